package backends

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MaxSequenceLength is the CLIP text encoder context length.
	MaxSequenceLength = 77
	// PadTokenID is the id used to pad prompts up to MaxSequenceLength.
	PadTokenID int32 = 0
)

type Tokenizer struct {
	RustTokenizer    *RustTokenizer
	GoTokenizer      *GoTokenizer
	TokenizerTimings *Timings
	Destroy          func() error
	Runtime          string
	MaxLength        int
	PadID            int32
}

// LoadTokenizer builds a tokenizer from the bytes of a tokenizer.json for the given runtime ("RUST" or "GO").
func LoadTokenizer(tokenizerBytes []byte, runtime string) (*Tokenizer, error) {
	if len(tokenizerBytes) == 0 {
		return nil, errors.New("tokenizer.json is empty")
	}
	tk := &Tokenizer{
		Runtime:          runtime,
		TokenizerTimings: &Timings{},
		MaxLength:        MaxSequenceLength,
		PadID:            PadTokenID,
	}
	var err error
	switch runtime {
	case "RUST":
		err = loadRustTokenizer(tokenizerBytes, tk)
	case "GO":
		err = loadGoTokenizer(tokenizerBytes, tk)
	default:
		err = fmt.Errorf("runtime %s not recognized", runtime)
	}
	if err != nil {
		return nil, err
	}
	return tk, nil
}

// Encode tokenizes prompt with special tokens, then truncates and pads it to MaxLength.
func (tk *Tokenizer) Encode(prompt string) ([]int32, error) {
	start := time.Now()
	defer tk.TokenizerTimings.Record(start)

	var ids []int32
	var err error
	switch tk.Runtime {
	case "RUST":
		ids, err = encodeRust(tk, prompt)
	case "GO":
		ids, err = encodeGo(tk, prompt)
	default:
		err = fmt.Errorf("runtime %s not recognized", tk.Runtime)
	}
	if err != nil {
		return nil, err
	}
	return PadAndTruncate(ids, tk.MaxLength, tk.PadID), nil
}

// PadAndTruncate returns a copy of ids of exactly maxLength entries.
func PadAndTruncate(ids []int32, maxLength int, padID int32) []int32 {
	out := make([]int32, maxLength)
	n := copy(out, ids)
	for i := n; i < maxLength; i++ {
		out[i] = padID
	}
	return out
}

// Close releases the native tokenizer, if any.
func (tk *Tokenizer) Close() error {
	if tk.Destroy == nil {
		return nil
	}
	return tk.Destroy()
}
