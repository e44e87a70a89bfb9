package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGateDetectsSilence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "silent.wav")
	require.NoError(t, os.WriteFile(path, makePCM16WAV(make([]int16, 16000), nil), 0o644))

	silent, metrics, err := NewGate(-65).IsSilentFile(path)
	require.NoError(t, err)
	require.True(t, silent)
	require.True(t, math.IsInf(metrics.RMSdBFS, -1))
	require.True(t, math.IsInf(metrics.PeakdBFS, -1))
	require.EqualValues(t, 16000, metrics.Samples)
}

func TestGateDetectsSpeechLikeSignal(t *testing.T) {
	t.Parallel()

	silent, metrics, err := NewGate(0).IsSilent(bytes.NewReader(makePCM16WAV(sine(16000, 0.25), nil)))
	require.NoError(t, err)
	require.False(t, silent)
	require.Greater(t, metrics.PeakdBFS, -20.0)
	require.Greater(t, metrics.RMSdBFS, -20.0)
}

func TestGateToleratesVeryQuietNoise(t *testing.T) {
	t.Parallel()

	samples := make([]int16, 16000)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 1
		}
	}
	silent, _, err := NewGate(-65).IsSilent(bytes.NewReader(makePCM16WAV(samples, nil)))
	require.NoError(t, err)
	require.True(t, silent)
}

func TestGateSkipsUnknownChunks(t *testing.T) {
	t.Parallel()

	wav := makePCM16WAV(sine(800, 0.5), []byte("LIST\x03\x00\x00\x00abc\x00"))
	silent, metrics, err := NewGate(-65).IsSilent(bytes.NewReader(wav))
	require.NoError(t, err)
	require.False(t, silent)
	require.EqualValues(t, 800, metrics.Samples)
}

func TestGateAcceptsTruncatedData(t *testing.T) {
	t.Parallel()

	wav := makePCM16WAV(sine(1000, 0.5), nil)
	wav = wav[:len(wav)-500]
	silent, metrics, err := NewGate(-65).IsSilent(bytes.NewReader(wav))
	require.NoError(t, err)
	require.False(t, silent)
	require.EqualValues(t, 750, metrics.Samples)
}

func TestGateRejectsInvalidFiles(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "not-wav.wav")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	_, _, err := NewGate(-65).IsSilentFile(path)
	require.ErrorIs(t, err, ErrInvalidWAV)

	_, _, err = NewGate(-65).IsSilentFile(filepath.Join(t.TempDir(), "missing.wav"))
	require.Error(t, err)
}

func TestGateRejectsUnsupportedFormat(t *testing.T) {
	t.Parallel()

	wav := makePCM16WAV(make([]int16, 10), nil)
	binary.LittleEndian.PutUint16(wav[20:], 2) // ADPCM
	_, _, err := NewGate(-65).IsSilent(bytes.NewReader(wav))
	require.ErrorIs(t, err, ErrUnsupportedWAV)
}

func sine(n int, amplitude float64) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000.0))
	}
	return samples
}

// makePCM16WAV builds a mono 16 kHz file; extra is inserted verbatim
// between the fmt and data chunks.
func makePCM16WAV(samples []int16, extra []byte) []byte {
	var buf bytes.Buffer
	dataSize := len(samples) * 2
	le := binary.LittleEndian

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, le, uint32(4+24+len(extra)+8+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, le, uint32(16))
	_ = binary.Write(&buf, le, uint16(1))
	_ = binary.Write(&buf, le, uint16(1))
	_ = binary.Write(&buf, le, uint32(16000))
	_ = binary.Write(&buf, le, uint32(32000))
	_ = binary.Write(&buf, le, uint16(2))
	_ = binary.Write(&buf, le, uint16(16))

	buf.Write(extra)

	buf.WriteString("data")
	_ = binary.Write(&buf, le, uint32(dataSize))
	_ = binary.Write(&buf, le, samples)
	return buf.Bytes()
}
