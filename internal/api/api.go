// Package api exposes the download and transcription pipelines over HTTP
// under /api/v1.
package api

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fmueller/medialoader/internal/media"
	"github.com/fmueller/medialoader/internal/service"
	"github.com/fmueller/medialoader/internal/task"
)

const Prefix = "/api/v1"

type Downloads interface {
	Bucket() string
	Submit(ctx context.Context, req media.Request) (task.Task, error)
	SubmitPlaylist(ctx context.Context, req service.PlaylistRequest) ([]service.PlaylistTask, error)
	Get(ctx context.Context, videoID string) (service.DownloadResult, error)
	Delete(ctx context.Context, videoID string) error
}

type Transcriptions interface {
	Language(requested string) string
	Submit(ctx context.Context, req service.TranscriptionRequest) (task.Task, error)
	Get(ctx context.Context, id string) (service.TranscriptionResult, error)
}

type Tasks interface {
	Get(ctx context.Context, id string) (task.Task, error)
	List(ctx context.Context, kind task.Kind) ([]task.Task, error)
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Check(ctx context.Context) error
}

type Options struct {
	APIKey         string
	Version        string
	Downloads      Downloads
	Transcriptions Transcriptions
	Tasks          Tasks
	Storage        HealthChecker
	Logger         *zap.Logger
}

type server struct {
	downloads      Downloads
	transcriptions Transcriptions
	tasks          Tasks
	storage        HealthChecker
	version        string
	validator      *validator
	logger         *zap.Logger
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// NewHandler builds the HTTP handler serving the whole API.
func NewHandler(opts Options) (http.Handler, error) {
	if opts.APIKey == "" {
		return nil, errors.New("api key must not be empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	s := &server{
		downloads:      opts.Downloads,
		transcriptions: opts.Transcriptions,
		tasks:          opts.Tasks,
		storage:        opts.Storage,
		version:        opts.Version,
		validator:      v,
		logger:         logger,
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	// Health is public; everything else under the prefix needs the key.
	r.HandleFunc(Prefix+"/health", s.handle(s.health)).Methods(http.MethodGet)

	v1 := r.PathPrefix(Prefix).Subrouter()
	v1.NotFoundHandler = http.HandlerFunc(notFound)
	v1.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	v1.Use(apiKeyAuth(opts.APIKey, logger))

	v1.HandleFunc("/downloads", s.handle(s.createDownload)).Methods(http.MethodPost)
	v1.HandleFunc("/downloads/playlist", s.handle(s.createPlaylistDownloads)).Methods(http.MethodPost)
	v1.HandleFunc("/downloads/status/{task_id}", s.handle(s.taskStatus(task.KindDownload))).Methods(http.MethodGet)
	v1.HandleFunc("/downloads/{video_id}", s.handle(s.getDownload)).Methods(http.MethodGet)
	v1.HandleFunc("/downloads/{video_id}", s.handle(s.deleteDownload)).Methods(http.MethodDelete)

	v1.HandleFunc("/transcriptions", s.handle(s.createTranscription)).Methods(http.MethodPost)
	v1.HandleFunc("/transcriptions/status/{task_id}", s.handle(s.taskStatus(task.KindTranscription))).Methods(http.MethodGet)
	v1.HandleFunc("/transcriptions/{transcription_id}", s.handle(s.getTranscription)).Methods(http.MethodGet)

	v1.HandleFunc("/tasks", s.handle(s.listTasks)).Methods(http.MethodGet)
	v1.HandleFunc("/tasks/{task_id}", s.handle(s.taskStatus(""))).Methods(http.MethodGet)

	return chain(r, requestLogger(logger), recoverer(logger), cors), nil
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// handle turns returned errors into error envelopes. Anything that is not an
// apiError is a 500.
func (s *server) handle(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		var apiErr *apiError
		if !errors.As(err, &apiErr) {
			s.logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
			apiErr = newError(http.StatusInternalServerError, codeServer, "internal server error", err.Error())
		}
		writeError(w, apiErr)
	}
}

// pathID returns a validated path variable.
func pathID(r *http.Request, name string) (string, error) {
	id := mux.Vars(r)[name]
	if !idPattern.MatchString(id) || id == "." || id == ".." {
		return "", badRequest("invalid "+name, name+" must match "+idPattern.String())
	}
	return id, nil
}
