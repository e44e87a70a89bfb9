package storage

import (
	"path"
	"strings"
)

const (
	VideosPrefix         = "videos"
	TranscriptionsPrefix = "transcriptions"
	MetadataFile         = "metadata.json"
	TranscriptionBase    = "transcription"
)

func VideoPrefix(videoID string) string {
	return path.Join(VideosPrefix, videoID) + "/"
}

func VideoKey(videoID, fileName string) string {
	return path.Join(VideosPrefix, videoID, fileName)
}

func VideoMetadataKey(videoID string) string {
	return VideoKey(videoID, MetadataFile)
}

func TranscriptionPrefix(id string) string {
	return path.Join(TranscriptionsPrefix, id) + "/"
}

// TranscriptionKey returns the key of one rendering; ext is json, srt or vtt.
func TranscriptionKey(id, ext string) string {
	return path.Join(TranscriptionsPrefix, id, TranscriptionBase+"."+strings.TrimPrefix(ext, "."))
}

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".flv":  "video/x-flv",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".json": "application/json",
	".srt":  "application/x-subrip",
	".vtt":  "text/vtt",
	".txt":  "text/plain",
}

// ContentType maps a file name to the MIME type stored with the object.
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
