package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/fmueller/medialoader/internal/service"
	"github.com/fmueller/medialoader/internal/task"
)

type transcriptionRequest struct {
	VideoID      string `json:"video_id"`
	URL          string `json:"url"`
	Language     string `json:"language"`
	Model        string `json:"model"`
	PersistMedia *bool  `json:"persist_media"`
}

type transcriptionResponse struct {
	TranscriptionID string      `json:"transcription_id"`
	JSONURL         string      `json:"json_url"`
	SRTURL          string      `json:"srt_url"`
	VTTURL          string      `json:"vtt_url"`
	Language        string      `json:"language"`
	TaskID          string      `json:"task_id,omitempty"`
	Status          task.Status `json:"status"`
}

func (s *server) createTranscription(w http.ResponseWriter, r *http.Request) error {
	var req transcriptionRequest
	if err := s.validator.decode(r, w, schemaTranscription, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.VideoID) == "" && strings.TrimSpace(req.URL) == "" {
		return badRequest("invalid parameters", "either video_id or url must be provided")
	}

	persist := true
	if req.PersistMedia != nil {
		persist = *req.PersistMedia
	}
	t, err := s.transcriptions.Submit(r.Context(), service.TranscriptionRequest{
		VideoID:      req.VideoID,
		URL:          req.URL,
		Language:     req.Language,
		Model:        req.Model,
		PersistMedia: persist,
	})
	if err != nil {
		return submitError(t, err)
	}

	writeJSON(w, http.StatusCreated, transcriptionResponse{
		TranscriptionID: "pending",
		Language:        s.transcriptions.Language(req.Language),
		TaskID:          t.ID,
		Status:          t.Status,
	})
	return nil
}

func (s *server) getTranscription(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "transcription_id")
	if err != nil {
		return err
	}

	res, err := s.transcriptions.Get(r.Context(), id)
	if errors.Is(err, service.ErrTranscriptionNotFound) {
		return newError(http.StatusNotFound, codeTranscriptionNotFound, "transcription not found", "no transcription stored with id "+id)
	}
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, transcriptionResponse{
		TranscriptionID: res.TranscriptionID,
		JSONURL:         res.JSONURL,
		SRTURL:          res.SRTURL,
		VTTURL:          res.VTTURL,
		Language:        res.Language,
		Status:          task.StatusCompleted,
	})
	return nil
}
