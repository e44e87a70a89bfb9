package transcript

import (
	"strings"
)

const blankAudioToken = "[BLANK_AUDIO]"

type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is what every engine produces and what gets stored as
// transcription.json.
type Transcript struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
}

// New trims segment texts, drops blank ones, renumbers the rest from zero
// and joins them into the full text.
func New(segments []Segment, language string) Transcript {
	out := make([]Segment, 0, len(segments))
	texts := make([]string, 0, len(segments))
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if IsBlank(text) {
			continue
		}
		if seg.End < seg.Start {
			seg.End = seg.Start
		}
		seg.ID = len(out)
		seg.Text = text
		out = append(out, seg)
		texts = append(texts, text)
	}
	return Transcript{
		Text:     strings.Join(texts, " "),
		Segments: out,
		Language: language,
	}
}

func Empty(language string) Transcript {
	return Transcript{Segments: []Segment{}, Language: language}
}

func (t Transcript) IsEmpty() bool {
	return IsBlank(t.Text) && len(t.Segments) == 0
}

// IsBlank reports text whisper emits for silence.
func IsBlank(text string) bool {
	trimmed := strings.TrimSpace(text)
	return trimmed == "" || strings.EqualFold(trimmed, blankAudioToken)
}
