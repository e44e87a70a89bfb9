package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error codes returned in the response envelope.
const (
	codeInvalidRequest        = "invalid_request"
	codeUnauthorized          = "unauthorized"
	codeInvalidAPIKey         = "invalid_api_key"
	codeNotFound              = "not_found"
	codeMethodNotAllowed      = "method_not_allowed"
	codeTaskNotFound          = "task_not_found"
	codeVideoNotFound         = "video_not_found"
	codeMediaNotFound         = "media_not_found"
	codeTranscriptionNotFound = "transcription_not_found"
	codeQueueFull             = "queue_full"
	codeUnavailable           = "service_unavailable"
	codePlaylist              = "playlist_error"
	codeServer                = "server_error"
)

// apiError is an error that maps onto an HTTP response.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *apiError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d %s: %s (%s)", e.Status, e.Code, e.Message, e.Details)
}

func newError(status int, code, message, details string) *apiError {
	return &apiError{Status: status, Code: code, Message: message, Details: details}
}

func badRequest(message, details string) *apiError {
	return newError(http.StatusBadRequest, codeInvalidRequest, message, details)
}

type errorEnvelope struct {
	Error *apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(body)
}

func writeError(w http.ResponseWriter, err *apiError) {
	writeJSON(w, err.Status, errorEnvelope{Error: err})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, newError(http.StatusNotFound, codeNotFound, "route not found", r.Method+" "+r.URL.Path))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, newError(http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed", r.Method+" "+r.URL.Path))
}
