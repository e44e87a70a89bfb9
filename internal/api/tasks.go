package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/medialoader/internal/task"
)

const healthTimeout = 5 * time.Second

type taskStatusResponse struct {
	TaskID   string          `json:"task_id"`
	Status   task.Status     `json:"status"`
	Progress float64         `json:"progress"`
	Result   json.RawMessage `json:"result"`
	Error    *task.Failure   `json:"error"`
}

type taskSummary struct {
	taskStatusResponse
	Type      task.Kind `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type taskListResponse struct {
	Tasks []taskSummary `json:"tasks"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	MinioStatus string `json:"minio_status"`
}

func statusOf(t task.Task) taskStatusResponse {
	return taskStatusResponse{
		TaskID:   t.ID,
		Status:   t.Status,
		Progress: t.Progress,
		Result:   t.Result,
		Error:    t.Error,
	}
}

// taskStatus serves a single task. A non-empty kind hides tasks of the other
// kind so each status route only answers for its own tasks.
func (s *server) taskStatus(kind task.Kind) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		id, err := pathID(r, "task_id")
		if err != nil {
			return err
		}

		t, err := s.tasks.Get(r.Context(), id)
		if errors.Is(err, task.ErrNotFound) || (err == nil && kind != "" && t.Kind != kind) {
			return newError(http.StatusNotFound, codeTaskNotFound, "task not found", "no task with id "+id)
		}
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, statusOf(t))
		return nil
	}
}

func (s *server) listTasks(w http.ResponseWriter, r *http.Request) error {
	kind, err := task.ParseKind(r.URL.Query().Get("type"))
	if err != nil {
		return badRequest("invalid type filter", err.Error())
	}
	tasks, err := s.tasks.List(r.Context(), kind)
	if err != nil {
		return err
	}

	out := taskListResponse{Tasks: make([]taskSummary, 0, len(tasks))}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, taskSummary{
			taskStatusResponse: statusOf(t),
			Type:               t.Kind,
			CreatedAt:          t.CreatedAt,
			UpdatedAt:          t.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

func (s *server) health(w http.ResponseWriter, r *http.Request) error {
	storage := "ok"
	if s.storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.storage.Check(ctx); err != nil {
			s.logger.Warn("storage health check failed", zap.Error(err))
			storage = "error: " + err.Error()
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: s.version, MinioStatus: storage})
	return nil
}
