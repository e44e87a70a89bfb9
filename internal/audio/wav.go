package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

const (
	formatPCM   = 1
	formatFloat = 3
)

type wavFormat struct {
	audioFormat   uint16
	bitsPerSample uint16
}

func (f wavFormat) bytesPerSample() int {
	return int(f.bitsPerSample / 8)
}

func (f wavFormat) validate() error {
	switch f.audioFormat {
	case formatPCM:
		switch f.bitsPerSample {
		case 8, 16, 24, 32:
			return nil
		}
	case formatFloat:
		switch f.bitsPerSample {
		case 32, 64:
			return nil
		}
	}
	return ErrUnsupportedWAV
}

// locateData walks the RIFF chunks up to the data chunk and returns the
// sample format and the declared data size. r is left at the first sample.
func locateData(r io.Reader) (wavFormat, uint32, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return wavFormat{}, 0, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return wavFormat{}, 0, ErrInvalidWAV
	}

	var (
		format wavFormat
		hasFmt bool
	)
	chunk := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, chunk); err != nil {
			return wavFormat{}, 0, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
		}
		id := string(chunk[:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])
		padded := int64(size) + int64(size%2)

		switch id {
		case "fmt ":
			if size < 16 {
				return wavFormat{}, 0, ErrInvalidWAV
			}
			buf := make([]byte, padded)
			if _, err := io.ReadFull(r, buf); err != nil {
				return wavFormat{}, 0, fmt.Errorf("read wav fmt chunk: %w", err)
			}
			format = wavFormat{
				audioFormat:   binary.LittleEndian.Uint16(buf[0:2]),
				bitsPerSample: binary.LittleEndian.Uint16(buf[14:16]),
			}
			hasFmt = true
		case "data":
			if !hasFmt {
				return wavFormat{}, 0, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			if err := format.validate(); err != nil {
				return wavFormat{}, 0, err
			}
			return format, size, nil
		default:
			if _, err := io.CopyN(io.Discard, r, padded); err != nil {
				return wavFormat{}, 0, fmt.Errorf("skip wav chunk %q: %w", id, err)
			}
		}
	}
}

// accumulate streams samples from r, tolerating files whose data chunk is
// shorter than declared.
func accumulate(r io.Reader, format wavFormat, size uint32) (Metrics, error) {
	width := format.bytesPerSample()
	br := bufio.NewReaderSize(io.LimitReader(r, int64(size)), 64*1024)
	sample := make([]byte, width)

	var (
		peak, sumSquares float64
		samples          int64
	)
	for {
		if _, err := io.ReadFull(br, sample); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return Metrics{}, fmt.Errorf("read wav data: %w", err)
		}
		v := decodeSample(sample, format)
		if abs := math.Abs(v); abs > peak {
			peak = abs
		}
		sumSquares += v * v
		samples++
	}

	if samples == 0 {
		return Metrics{RMSdBFS: math.Inf(-1), PeakdBFS: math.Inf(-1)}, nil
	}
	return Metrics{
		RMSdBFS:  amplitudeToDBFS(math.Sqrt(sumSquares / float64(samples))),
		PeakdBFS: amplitudeToDBFS(peak),
		Samples:  samples,
	}, nil
}

func decodeSample(b []byte, format wavFormat) float64 {
	if format.audioFormat == formatFloat {
		if format.bitsPerSample == 64 {
			return math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}

	switch format.bitsPerSample {
	case 8:
		return (float64(b[0]) - 128.0) / 128.0
	case 16:
		return float64(int16(binary.LittleEndian.Uint16(b))) / 32768.0
	case 24:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608.0
	default:
		return float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648.0
	}
}

func amplitudeToDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(amplitude)
}
