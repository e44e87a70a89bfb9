// Package media fetches remote videos with yt-dlp, describes what was
// fetched and converts media into the audio format transcription expects.
package media

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrNoMedia = errors.New("no media file found after download")

type Request struct {
	URL          string
	Format       string
	Quality      string
	AudioOnly    bool
	ExtractAudio bool
}

func (r Request) withDefaults() Request {
	if r.Format == "" {
		r.Format = "mp4"
	}
	if r.Quality == "" {
		r.Quality = "best"
	}
	return r
}

// FormatSelector builds the yt-dlp -f expression for the request.
func (r Request) FormatSelector() string {
	r = r.withDefaults()
	switch {
	case r.AudioOnly:
		return "bestaudio/best"
	case r.ExtractAudio:
		return fmt.Sprintf("best[ext=%s]/best", r.Format)
	}

	switch r.Quality {
	case "best":
		return fmt.Sprintf("best[ext=%s]/best", r.Format)
	case "worst":
		return fmt.Sprintf("worst[ext=%s]/worst", r.Format)
	}
	height := strings.TrimSuffix(strings.ToLower(r.Quality), "p")
	if _, err := strconv.Atoi(height); err != nil {
		return fmt.Sprintf("best[ext=%s]/best", r.Format)
	}
	return fmt.Sprintf("bestvideo[height<=%s][ext=%s]+bestaudio/best[ext=%s]/best", height, r.Format, r.Format)
}

// ConvertsToMP3 reports whether yt-dlp should post-process into mp3.
func (r Request) ConvertsToMP3() bool {
	return r.AudioOnly || r.ExtractAudio
}

type VideoMetadata struct {
	VideoID    string   `json:"video_id"`
	Title      string   `json:"title"`
	Duration   float64  `json:"duration"`
	Format     string   `json:"format"`
	Width      *int     `json:"width,omitempty"`
	Height     *int     `json:"height,omitempty"`
	FPS        *float64 `json:"fps,omitempty"`
	AudioCodec string   `json:"audio_codec,omitempty"`
	VideoCodec string   `json:"video_codec,omitempty"`
	FileSize   int64    `json:"file_size,omitempty"`
	UploadDate string   `json:"upload_date,omitempty"`
	Extractor  string   `json:"extractor,omitempty"`
	WebpageURL string   `json:"webpage_url,omitempty"`
	SourceURL  string   `json:"source_url,omitempty"`
}

// Result describes the files a download left in its directory.
type Result struct {
	Metadata   VideoMetadata
	MediaFile  string
	InfoFile   string
	Additional []string
}

// ProgressFunc receives the download fraction in [0,1].
type ProgressFunc func(float64)

type Downloader interface {
	Download(ctx context.Context, req Request, dir string, progress ProgressFunc) (Result, error)
}
