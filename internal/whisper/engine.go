package whisper

import (
	"context"

	"github.com/fmueller/medialoader/internal/transcript"
)

const DefaultBeamSize = 5

type Request struct {
	AudioPath string
	// ModelPath is required by local engines and ignored by hosted ones.
	ModelPath string
	// Model is the requested model name, informational for hosted engines.
	Model     string
	Language  string
	Threads   int
	BeamSize  int
	// Progress, when set, receives values in [0,1] while the engine runs.
	Progress func(float64)
}

type Engine interface {
	Name() string
	// NeedsModel reports whether callers must resolve a local model file.
	NeedsModel() bool
	Transcribe(ctx context.Context, req Request) (transcript.Transcript, error)
}

func languageArg(lang string) string {
	if lang == "" || lang == "auto" {
		return ""
	}
	return lang
}

func reportProgress(fn func(float64), v float64) {
	if fn != nil {
		fn(v)
	}
}
