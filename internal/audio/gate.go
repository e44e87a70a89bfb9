// Package audio decides whether an extracted WAV track carries any signal
// worth sending to a transcription engine.
package audio

import (
	"fmt"
	"io"
	"math"
	"os"
)

const DefaultThresholdDBFS = -65.0

type Metrics struct {
	RMSdBFS  float64
	PeakdBFS float64
	Samples  int64
}

// Gate flags audio as silent when both RMS and peak level stay below the
// threshold. The peak may exceed it by 6 dB to tolerate clicks.
type Gate struct {
	ThresholdDBFS float64
}

func NewGate(thresholdDBFS float64) Gate {
	if thresholdDBFS == 0 || math.IsNaN(thresholdDBFS) {
		thresholdDBFS = DefaultThresholdDBFS
	}
	return Gate{ThresholdDBFS: thresholdDBFS}
}

func (g Gate) IsSilentFile(path string) (bool, Metrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, Metrics{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()
	return g.IsSilent(f)
}

func (g Gate) IsSilent(r io.Reader) (bool, Metrics, error) {
	format, size, err := locateData(r)
	if err != nil {
		return false, Metrics{}, err
	}
	m, err := accumulate(r, format, size)
	if err != nil {
		return false, Metrics{}, err
	}
	return g.silent(m), m, nil
}

func (g Gate) silent(m Metrics) bool {
	if m.Samples == 0 {
		return true
	}
	if math.IsInf(m.RMSdBFS, -1) && math.IsInf(m.PeakdBFS, -1) {
		return true
	}
	return m.RMSdBFS <= g.ThresholdDBFS && m.PeakdBFS <= g.ThresholdDBFS+6
}
