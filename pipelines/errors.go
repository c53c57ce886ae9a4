package pipelines

import (
	"errors"
	"fmt"
)

var (
	ErrCapabilityUnsupported = errors.New("no GPU adapter with shader-f16 support found")
	ErrInvalidResolution     = errors.New("invalid resolution")
	ErrInvalidImageCount     = errors.New("invalid image count")
	ErrGenerationInProgress  = errors.New("a generation is already in progress")
	ErrNotLoaded             = errors.New("model sessions are not loaded")
	ErrEmptyPrompt           = errors.New("prompt is empty")
)

// ModelLoadError reports which role failed to load. Fetch is true when the artifact
// could not be retrieved, false when it could not be compiled.
type ModelLoadError struct {
	Role  Role
	Fetch bool
	Err   error
}

func (e *ModelLoadError) Error() string {
	if e.Fetch {
		return fmt.Sprintf("downloading %s model: %v", e.Role, e.Err)
	}
	return fmt.Sprintf("loading %s model: %v", e.Role, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

type TokenizerLoadError struct {
	Err error
}

func (e *TokenizerLoadError) Error() string {
	return fmt.Sprintf("loading tokenizer: %v", e.Err)
}

func (e *TokenizerLoadError) Unwrap() error {
	return e.Err
}

// Stage names the step of a generation run that failed.
type Stage string

const (
	StageTokenize    Stage = "tokenize"
	StageTextEncoder Stage = "text_encoder"
	StageNoise       Stage = "noise"
	StageDenoiser    Stage = "denoiser"
	StageDecoder     Stage = "decoder"
	StageSink        Stage = "sink"
)

// InferenceError is a failure while generating image Index. Index is -1 for
// stages shared by the whole run.
type InferenceError struct {
	Stage Stage
	Index int
	Err   error
}

func (e *InferenceError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s failed for image %d: %v", e.Stage, e.Index, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
