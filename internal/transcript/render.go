package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatSRT  Format = "srt"
	FormatVTT  Format = "vtt"
)

func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case FormatText, FormatJSON, FormatSRT, FormatVTT:
		return f, nil
	case "", "txt":
		return FormatText, nil
	}
	return "", fmt.Errorf("unknown output format %q (expected text, json, srt or vtt)", raw)
}

func (t Transcript) Render(f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return t.JSON()
	case FormatSRT:
		return []byte(t.SRT()), nil
	case FormatVTT:
		return []byte(t.VTT()), nil
	case FormatText, "":
		return []byte(t.Text + "\n"), nil
	}
	return nil, fmt.Errorf("unknown output format %q", f)
}

// JSON encodes the transcript with non-ASCII text and markup left as is.
func (t Transcript) JSON() ([]byte, error) {
	if t.Segments == nil {
		t.Segments = []Segment{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(t); err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	return buf.Bytes(), nil
}

// SRT renders numbered cues starting at 1.
func (t Transcript) SRT() string {
	var b strings.Builder
	for _, seg := range t.Segments {
		b.WriteString(strconv.Itoa(seg.ID + 1))
		b.WriteByte('\n')
		b.WriteString(Timestamp(seg.Start, ','))
		b.WriteString(" --> ")
		b.WriteString(Timestamp(seg.End, ','))
		b.WriteByte('\n')
		b.WriteString(seg.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}

func (t Transcript) VTT() string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, seg := range t.Segments {
		b.WriteString(Timestamp(seg.Start, '.'))
		b.WriteString(" --> ")
		b.WriteString(Timestamp(seg.End, '.'))
		b.WriteByte('\n')
		b.WriteString(seg.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}

// Timestamp formats seconds as HH:MM:SS<sep>mmm, rounding to the nearest
// millisecond.
func Timestamp(seconds float64, sep byte) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	ms := int64(math.Round(seconds * 1000))
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}
