package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fmueller/medialoader/internal/media"
	"github.com/fmueller/medialoader/internal/service"
	"github.com/fmueller/medialoader/internal/task"
	"github.com/fmueller/medialoader/internal/worker"
)

type downloadRequest struct {
	URL          string `json:"url"`
	Format       string `json:"format"`
	Quality      string `json:"quality"`
	AudioOnly    bool   `json:"audio_only"`
	ExtractAudio bool   `json:"extract_audio"`
}

func (d downloadRequest) mediaRequest() media.Request {
	return media.Request{
		URL:          d.URL,
		Format:       d.Format,
		Quality:      d.Quality,
		AudioOnly:    d.AudioOnly,
		ExtractAudio: d.ExtractAudio,
	}
}

type playlistRequest struct {
	downloadRequest
	Limit int `json:"limit"`
}

type downloadResponse struct {
	VideoID      string      `json:"video_id"`
	Title        string      `json:"title"`
	Duration     float64     `json:"duration"`
	Bucket       string      `json:"bucket"`
	ObjectKey    string      `json:"object_key"`
	PresignedURL string      `json:"presigned_url"`
	TaskID       string      `json:"task_id,omitempty"`
	Status       task.Status `json:"status"`
}

type playlistResponse struct {
	Tasks []service.PlaylistTask `json:"tasks"`
}

func (s *server) createDownload(w http.ResponseWriter, r *http.Request) error {
	var req downloadRequest
	if err := s.validator.decode(r, w, schemaDownload, &req); err != nil {
		return err
	}

	t, err := s.downloads.Submit(r.Context(), req.mediaRequest())
	if err != nil {
		return submitError(t, err)
	}
	writeJSON(w, http.StatusCreated, downloadResponse{
		VideoID: "pending",
		Title:   "Downloading...",
		Bucket:  s.downloads.Bucket(),
		TaskID:  t.ID,
		Status:  t.Status,
	})
	return nil
}

func (s *server) createPlaylistDownloads(w http.ResponseWriter, r *http.Request) error {
	var req playlistRequest
	if err := s.validator.decode(r, w, schemaPlaylist, &req); err != nil {
		return err
	}

	queued, err := s.downloads.SubmitPlaylist(r.Context(), service.PlaylistRequest{
		Request: req.mediaRequest(),
		Limit:   req.Limit,
	})
	switch {
	case errors.Is(err, media.ErrNotPlaylist):
		return badRequest("url does not reference a playlist", err.Error())
	case err != nil && len(queued) == 0:
		return newError(http.StatusBadGateway, codePlaylist, "failed to expand playlist", err.Error())
	case err != nil:
		s.logger.Warn("playlist only partially queued", zap.Int("queued", len(queued)), zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, playlistResponse{Tasks: queued})
	return nil
}

func (s *server) getDownload(w http.ResponseWriter, r *http.Request) error {
	videoID, err := pathID(r, "video_id")
	if err != nil {
		return err
	}

	res, err := s.downloads.Get(r.Context(), videoID)
	switch {
	case errors.Is(err, service.ErrVideoNotFound):
		return newError(http.StatusNotFound, codeVideoNotFound, "video not found", "no video stored with id "+videoID)
	case errors.Is(err, service.ErrMediaNotFound):
		return newError(http.StatusNotFound, codeMediaNotFound, "media file not found", "no media file stored for video "+videoID)
	case err != nil:
		return err
	}
	writeJSON(w, http.StatusOK, downloadResponse{
		VideoID:      res.VideoID,
		Title:        res.Title,
		Duration:     res.Duration,
		Bucket:       res.Bucket,
		ObjectKey:    res.ObjectKey,
		PresignedURL: res.PresignedURL,
		Status:       task.StatusCompleted,
	})
	return nil
}

func (s *server) deleteDownload(w http.ResponseWriter, r *http.Request) error {
	videoID, err := pathID(r, "video_id")
	if err != nil {
		return err
	}
	err = s.downloads.Delete(r.Context(), videoID)
	if errors.Is(err, service.ErrVideoNotFound) {
		return newError(http.StatusNotFound, codeVideoNotFound, "video not found", "no video stored with id "+videoID)
	}
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// submitError maps a failed Submit onto a response. The task, when one was
// created, is already marked failed.
func submitError(t task.Task, err error) error {
	details := err.Error()
	if t.ID != "" {
		details = "task " + t.ID + ": " + details
	}
	switch {
	case errors.Is(err, worker.ErrQueueFull):
		return newError(http.StatusServiceUnavailable, codeQueueFull, "too many tasks queued, retry later", details)
	case errors.Is(err, worker.ErrClosed):
		return newError(http.StatusServiceUnavailable, codeUnavailable, "server is shutting down", details)
	case errors.Is(err, service.ErrMissingSource):
		return badRequest("invalid parameters", err.Error())
	}
	return err
}
