// Package service runs the download and transcription pipelines behind the
// HTTP API. Work is queued as tasks and executed by a worker pool; results
// end up in object storage.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/medialoader/internal/media"
	"github.com/fmueller/medialoader/internal/storage"
	"github.com/fmueller/medialoader/internal/task"
	"github.com/fmueller/medialoader/internal/worker"
)

var (
	ErrMissingSource         = errors.New("either video_id or url must be provided")
	ErrVideoNotFound         = errors.New("video not found")
	ErrMediaNotFound         = errors.New("media file not found")
	ErrTranscriptionNotFound = errors.New("transcription not found")
)

// Queue accepts jobs for background execution.
type Queue interface {
	Submit(job worker.Job) error
}

// minProgressStep keeps chatty progress sources from rewriting the task on
// every callback.
const minProgressStep = 0.01

// StoredFiles lists the object keys written for one video.
type StoredFiles struct {
	Media    string   `json:"media"`
	Metadata string   `json:"metadata"`
	Audio    []string `json:"audio,omitempty"`
	Other    []string `json:"other,omitempty"`
}

// storedMetadata is the metadata.json document. It remembers which object is
// the main media file so lookups do not have to guess.
type storedMetadata struct {
	media.VideoMetadata
	ObjectKey string `json:"object_key"`
}

// archiver writes downloaded media to the bucket under videos/{id}/.
type archiver struct {
	store     storage.ObjectStore
	urlExpiry time.Duration
	logger    *zap.Logger
}

func (a archiver) archive(ctx context.Context, res media.Result) (DownloadResult, error) {
	videoID := res.Metadata.VideoID
	logger := a.logger.With(zap.String("video_id", videoID))

	mediaName := media.SanitizeFilename(filepath.Base(res.MediaFile))
	mediaKey := storage.VideoKey(videoID, mediaName)
	if err := a.store.UploadFile(ctx, res.MediaFile, mediaKey, storage.ContentType(mediaName)); err != nil {
		return DownloadResult{}, task.NewFailure(task.CodeStorage, "failed to upload media", err)
	}

	doc, err := json.MarshalIndent(storedMetadata{VideoMetadata: res.Metadata, ObjectKey: mediaKey}, "", "  ")
	if err != nil {
		return DownloadResult{}, task.NewFailure(task.CodeUnexpected, "failed to encode metadata", err)
	}
	metaKey := storage.VideoMetadataKey(videoID)
	if err := a.store.UploadBytes(ctx, doc, metaKey, "application/json", map[string]string{"video-id": videoID}); err != nil {
		return DownloadResult{}, task.NewFailure(task.CodeStorage, "failed to upload metadata", err)
	}

	files := StoredFiles{Media: mediaKey, Metadata: metaKey}
	for _, path := range res.Additional {
		name := media.SanitizeFilename(filepath.Base(path))
		if name == storage.MetadataFile || name == mediaName {
			logger.Debug("skipping additional file with reserved name", zap.String("file", path))
			continue
		}
		key := storage.VideoKey(videoID, name)
		if err := a.store.UploadFile(ctx, path, key, storage.ContentType(name)); err != nil {
			return DownloadResult{}, task.NewFailure(task.CodeStorage, "failed to upload additional file", err)
		}
		if media.IsAudioFile(name) {
			files.Audio = append(files.Audio, key)
		} else {
			files.Other = append(files.Other, key)
		}
	}

	url, err := a.store.PresignedURL(ctx, mediaKey, a.urlExpiry)
	if err != nil {
		return DownloadResult{}, task.NewFailure(task.CodeStorage, "failed to presign media url", err)
	}

	logger.Info("media archived", zap.String("object_key", mediaKey), zap.Int("additional", len(files.Audio)+len(files.Other)))
	return DownloadResult{
		VideoID:      videoID,
		Title:        res.Metadata.Title,
		Duration:     res.Metadata.Duration,
		Bucket:       a.store.Bucket(),
		ObjectKey:    mediaKey,
		PresignedURL: url,
		Files:        &files,
	}, nil
}

// locateMedia returns the main media object stored for videoID and the
// metadata document when there is one.
func (a archiver) locateMedia(ctx context.Context, videoID string) (string, *storedMetadata, error) {
	objects, err := a.store.List(ctx, storage.VideoPrefix(videoID))
	if err != nil {
		return "", nil, fmt.Errorf("list video objects: %w", err)
	}
	if len(objects) == 0 {
		return "", nil, ErrVideoNotFound
	}

	var (
		meta     *storedMetadata
		metaKey  = storage.VideoMetadataKey(videoID)
		firstKey string
		keys     = make(map[string]bool, len(objects))
	)
	for _, obj := range objects {
		keys[obj.Key] = true
		if obj.Key == metaKey {
			continue
		}
		if firstKey == "" && media.IsMediaFile(obj.Key) {
			firstKey = obj.Key
		}
	}
	if keys[metaKey] {
		data, err := a.store.ReadObject(ctx, metaKey)
		if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			return "", nil, fmt.Errorf("read video metadata: %w", err)
		}
		if err == nil {
			var doc storedMetadata
			if err := json.Unmarshal(data, &doc); err != nil {
				a.logger.Warn("ignoring unreadable video metadata", zap.String("video_id", videoID), zap.Error(err))
			} else {
				meta = &doc
			}
		}
	}

	switch {
	case meta != nil && meta.ObjectKey != "" && keys[meta.ObjectKey]:
		return meta.ObjectKey, meta, nil
	case firstKey != "":
		return firstKey, meta, nil
	case meta != nil:
		return "", meta, ErrMediaNotFound
	}
	return "", nil, ErrVideoNotFound
}

// enqueue hands job to the queue. A rejected job fails its task right away
// so clients polling the status see why.
func enqueue(ctx context.Context, tasks *task.Manager, queue Queue, id string, job worker.Job) error {
	err := queue.Submit(job)
	if err == nil {
		return nil
	}
	code, msg := task.CodeUnexpected, "task could not be scheduled"
	if errors.Is(err, worker.ErrQueueFull) {
		code, msg = task.CodeQueueFull, "task queue is full"
	}
	tasks.Report(ctx, id, task.Failed(task.NewFailure(code, msg, err)))
	return err
}

// stageProgress maps a stage-local fraction onto the [from,to] slice of the
// task's overall progress.
type stageProgress struct {
	ctx      context.Context
	tasks    *task.Manager
	id       string
	from, to float64

	mu   sync.Mutex
	last float64
}

func newStageProgress(ctx context.Context, tasks *task.Manager, id string, from, to float64) *stageProgress {
	return &stageProgress{ctx: ctx, tasks: tasks, id: id, from: from, to: to, last: from}
}

func (p *stageProgress) report(fraction float64) {
	switch {
	case fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}
	v := p.from + (p.to-p.from)*fraction

	p.mu.Lock()
	if v-p.last < minProgressStep && fraction < 1 {
		p.mu.Unlock()
		return
	}
	p.last = v
	p.mu.Unlock()

	p.tasks.Report(p.ctx, p.id, task.Progress(v))
}

// finish records the outcome of a job. Task writes use a context that
// survives cancellation of the job itself.
func finish(ctx context.Context, tasks *task.Manager, logger *zap.Logger, id string, result any, err error, code, msg string) {
	interrupted := ctx.Err() != nil
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		f := task.AsFailure(err, code, msg)
		if interrupted {
			f = task.NewFailure(task.CodeInterrupted, "task was interrupted", err)
		}
		logger.Error("task failed", zap.String("code", f.Code), zap.Error(err))
		tasks.Report(ctx, id, task.Failed(f))
		return
	}

	patch, err := task.Completed(result)
	if err != nil {
		logger.Error("task result could not be stored", zap.Error(err))
		tasks.Report(ctx, id, task.Failed(task.NewFailure(task.CodeUnexpected, "failed to store task result", err)))
		return
	}
	tasks.Report(ctx, id, patch)
}

// failOnPanic marks the task failed before handing the panic back to the
// pool. Deferred at the top of every job.
func failOnPanic(ctx context.Context, tasks *task.Manager, logger *zap.Logger, id string) {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("panic: %v", r)
	logger.Error("task panicked", zap.Error(err))
	tasks.Report(context.WithoutCancel(ctx), id, task.Failed(task.NewFailure(task.CodeUnexpected, "unexpected error while processing task", err)))
	panic(r)
}
