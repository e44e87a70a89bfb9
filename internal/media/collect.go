package media

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var mediaExtensions = map[string]bool{
	".mp4":  true,
	".webm": true,
	".mkv":  true,
	".mp3":  true,
	".m4a":  true,
	".wav":  true,
}

// IsMediaFile reports whether name has an extension yt-dlp produces for
// playable media.
func IsMediaFile(name string) bool {
	return mediaExtensions[strings.ToLower(filepath.Ext(name))]
}

// IsAudioFile is true for the audio-only subset of media files.
func IsAudioFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp3", ".m4a", ".wav":
		return true
	}
	return false
}

// infoJSON is the subset of the yt-dlp info file we keep.
type infoJSON struct {
	Title      string   `json:"title"`
	Duration   float64  `json:"duration"`
	Width      *int     `json:"width"`
	Height     *int     `json:"height"`
	FPS        *float64 `json:"fps"`
	ACodec     string   `json:"acodec"`
	VCodec     string   `json:"vcodec"`
	UploadDate string   `json:"upload_date"`
	Extractor  string   `json:"extractor"`
	WebpageURL string   `json:"webpage_url"`
}

// Collect classifies the files in dir. The most recently written media file
// is the main one; older media and unknown files are additional.
func Collect(dir, sourceURL string) (Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Result{}, fmt.Errorf("read download directory: %w", err)
	}

	type candidate struct {
		path string
		info os.FileInfo
	}
	var (
		media []candidate
		res   Result
	)
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".part") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		switch {
		case strings.EqualFold(filepath.Ext(entry.Name()), ".json"):
			res.InfoFile = path
		case IsMediaFile(entry.Name()):
			info, err := entry.Info()
			if err != nil {
				return Result{}, fmt.Errorf("stat %s: %w", entry.Name(), err)
			}
			media = append(media, candidate{path: path, info: info})
		default:
			res.Additional = append(res.Additional, path)
		}
	}
	if len(media) == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrNoMedia, sourceURL)
	}

	sort.SliceStable(media, func(i, j int) bool {
		return media[i].info.ModTime().After(media[j].info.ModTime())
	})
	primary := media[0]
	res.MediaFile = primary.path
	for _, c := range media[1:] {
		res.Additional = append(res.Additional, c.path)
	}
	sort.Strings(res.Additional)

	var info infoJSON
	if res.InfoFile != "" {
		raw, err := os.ReadFile(res.InfoFile)
		if err != nil {
			return Result{}, fmt.Errorf("read info json: %w", err)
		}
		if err := json.Unmarshal(raw, &info); err != nil {
			return Result{}, fmt.Errorf("decode info json: %w", err)
		}
	}
	if info.Title == "" {
		info.Title = "Unknown"
	}

	res.Metadata = VideoMetadata{
		VideoID:    uuid.NewString(),
		Title:      info.Title,
		Duration:   info.Duration,
		Format:     strings.TrimPrefix(strings.ToLower(filepath.Ext(primary.path)), "."),
		Width:      info.Width,
		Height:     info.Height,
		FPS:        info.FPS,
		AudioCodec: info.ACodec,
		VideoCodec: info.VCodec,
		FileSize:   primary.info.Size(),
		UploadDate: info.UploadDate,
		Extractor:  info.Extractor,
		WebpageURL: info.WebpageURL,
		SourceURL:  sourceURL,
	}
	return res, nil
}
