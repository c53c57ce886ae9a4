package backends

import (
	"bytes"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/knights-analytics/sdturbo/util/safeconv"
)

type GoTokenizer struct {
	Tokenizer *tokenizer.Tokenizer
}

func loadGoTokenizer(tokenizerBytes []byte, tk *Tokenizer) error {
	goTK, err := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if err != nil {
		return err
	}
	tk.GoTokenizer = &GoTokenizer{Tokenizer: goTK}
	tk.Destroy = func() error {
		return nil
	}
	return nil
}

func encodeGo(tk *Tokenizer, prompt string) ([]int32, error) {
	output, err := tk.GoTokenizer.Tokenizer.EncodeSingle(prompt, true)
	if err != nil {
		return nil, err
	}
	return safeconv.IntSliceToInt32Slice(output.Ids), nil
}
