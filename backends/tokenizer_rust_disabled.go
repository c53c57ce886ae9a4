//go:build !ORT && !ALL

package backends

import "errors"

type RustTokenizer struct{}

func loadRustTokenizer(_ []byte, _ *Tokenizer) error {
	return errors.New("rust Tokenizer is not enabled")
}

func encodeRust(_ *Tokenizer, _ string) ([]int32, error) {
	return nil, errors.New("rust Tokenizer is not enabled")
}
