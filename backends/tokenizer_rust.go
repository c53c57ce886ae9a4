//go:build ORT || ALL

package backends

import (
	"github.com/daulet/tokenizers"

	"github.com/knights-analytics/sdturbo/util/safeconv"
)

type RustTokenizer struct {
	Tokenizer *tokenizers.Tokenizer
}

func loadRustTokenizer(tokenizerBytes []byte, tk *Tokenizer) error {
	rustTK, err := tokenizers.FromBytes(tokenizerBytes)
	if err != nil {
		return err
	}
	tk.RustTokenizer = &RustTokenizer{Tokenizer: rustTK}
	tk.Destroy = func() error {
		return rustTK.Close()
	}
	return nil
}

func encodeRust(tk *Tokenizer, prompt string) ([]int32, error) {
	output := tk.RustTokenizer.Tokenizer.EncodeWithOptions(prompt, true)
	return safeconv.Uint32SliceToInt32Slice(output.IDs), nil
}
