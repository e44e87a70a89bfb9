package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsFinished reports whether no further transitions are allowed.
func (s Status) IsFinished() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing
}

type Kind string

const (
	KindDownload      Kind = "download"
	KindTranscription Kind = "transcription"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindDownload, KindTranscription:
		return Kind(raw), nil
	case "":
		return "", nil
	}
	return "", fmt.Errorf("unknown task type %q", raw)
}

// Failure codes stored on failed tasks.
const (
	CodeDownload      = "download_error"
	CodeStorage       = "storage_error"
	CodeTranscription = "transcription_error"
	CodeUnexpected    = "unexpected_error"
	CodeInterrupted   = "interrupted"
	CodeQueueFull     = "queue_full"
)

var ErrNotFound = errors.New("task not found")

// Failure is the error payload of a failed task. It doubles as a Go error so
// pipeline steps can return it directly.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func NewFailure(code, message string, err error) *Failure {
	f := &Failure{Code: code, Message: message}
	if err != nil {
		f.Details = err.Error()
	}
	return f
}

func (f *Failure) Error() string {
	if f.Details == "" {
		return f.Code + ": " + f.Message
	}
	return f.Code + ": " + f.Message + ": " + f.Details
}

// AsFailure extracts a Failure from err, falling back to code for anything
// else.
func AsFailure(err error, code, message string) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return NewFailure(code, message, err)
}

type Task struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"type"`
	Status    Status          `json:"status"`
	Progress  float64         `json:"progress"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Failure        `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Patch describes a partial update. Nil fields are left untouched.
type Patch struct {
	Status   *Status
	Progress *float64
	Result   json.RawMessage
	Error    *Failure
}

func Processing(progress float64) Patch {
	s := StatusProcessing
	return Patch{Status: &s, Progress: &progress}
}

func Progress(progress float64) Patch {
	return Patch{Progress: &progress}
}

// Completed marshals result into the patch.
func Completed(result any) (Patch, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Patch{}, fmt.Errorf("encode task result: %w", err)
	}
	s := StatusCompleted
	p := 1.0
	return Patch{Status: &s, Progress: &p, Result: raw}, nil
}

func Failed(f *Failure) Patch {
	s := StatusFailed
	return Patch{Status: &s, Error: f}
}

// apply merges p into t. Finished tasks are immutable and progress never
// moves backwards.
func (t *Task) apply(p Patch, now time.Time) bool {
	if t.Status.IsFinished() {
		return false
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Progress != nil {
		next := clamp(*p.Progress)
		if next > t.Progress {
			t.Progress = next
		}
	}
	if p.Result != nil {
		t.Result = p.Result
	}
	if p.Error != nil {
		t.Error = p.Error
	}
	t.UpdatedAt = now
	return true
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
