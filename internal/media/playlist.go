package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	ytplaylist "github.com/ytget/ytdlp/v2"
)

const watchURLTemplate = "https://www.youtube.com/watch?v=%s"

var ErrNotPlaylist = errors.New("url does not reference a playlist")

type PlaylistEntry struct {
	VideoID string `json:"video_id"`
	Title   string `json:"title"`
	URL     string `json:"url"`
}

type PlaylistLister interface {
	ListPlaylist(ctx context.Context, rawURL string, limit int) ([]PlaylistEntry, error)
}

// YouTubePlaylists lists playlist entries without spawning yt-dlp.
type YouTubePlaylists struct {
	Timeout time.Duration
}

func (y YouTubePlaylists) ListPlaylist(ctx context.Context, rawURL string, limit int) ([]PlaylistEntry, error) {
	id, err := PlaylistID(rawURL)
	if err != nil {
		return nil, err
	}
	if y.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, y.Timeout)
		defer cancel()
	}
	if limit < 0 {
		limit = 0
	}

	items, err := ytplaylist.New().GetPlaylistItemsAll(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list playlist %s: %w", id, err)
	}

	entries := make([]PlaylistEntry, 0, len(items))
	for _, item := range items {
		if item.VideoID == "" {
			continue
		}
		entries = append(entries, PlaylistEntry{
			VideoID: item.VideoID,
			Title:   item.Title,
			URL:     fmt.Sprintf(watchURLTemplate, item.VideoID),
		})
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, nil
}

// PlaylistID extracts the list parameter of a playlist or watch URL.
func PlaylistID(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse playlist url: %w", err)
	}
	id := u.Query().Get("list")
	if id == "" {
		return "", ErrNotPlaylist
	}
	return id, nil
}
