package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/medialoader/internal/media"
	"github.com/fmueller/medialoader/internal/platform"
	"github.com/fmueller/medialoader/internal/storage"
	"github.com/fmueller/medialoader/internal/task"
)

// Download progress checkpoints.
const (
	downloadStarted = 0.1
	downloadFetched = 0.7
)

const downloadScratchDir = "download-"

// DownloadResult is the task result of a download and the body of a video
// lookup. Files is only known right after a download.
type DownloadResult struct {
	VideoID      string       `json:"video_id"`
	Title        string       `json:"title"`
	Duration     float64      `json:"duration"`
	Bucket       string       `json:"bucket"`
	ObjectKey    string       `json:"object_key"`
	PresignedURL string       `json:"presigned_url"`
	Files        *StoredFiles `json:"files,omitempty"`
}

type PlaylistRequest struct {
	media.Request
	// Limit caps the number of entries queued; zero means all.
	Limit int
}

// PlaylistTask is one queued entry of a playlist.
type PlaylistTask struct {
	TaskID string      `json:"task_id"`
	URL    string      `json:"url"`
	Title  string      `json:"title,omitempty"`
	Status task.Status `json:"status"`
}

type DownloadOptions struct {
	Tasks      *task.Manager
	Queue      Queue
	Store      storage.ObjectStore
	Downloader media.Downloader
	Playlists  media.PlaylistLister
	WorkDir    string
	URLExpiry  time.Duration
	Logger     *zap.Logger
}

type DownloadService struct {
	tasks      *task.Manager
	queue      Queue
	store      storage.ObjectStore
	downloader media.Downloader
	playlists  media.PlaylistLister
	workDir    string
	archiver   archiver
	logger     *zap.Logger
}

func NewDownloadService(opts DownloadOptions) *DownloadService {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("downloads")
	return &DownloadService{
		tasks:      opts.Tasks,
		queue:      opts.Queue,
		store:      opts.Store,
		downloader: opts.Downloader,
		playlists:  opts.Playlists,
		workDir:    opts.WorkDir,
		archiver:   archiver{store: opts.Store, urlExpiry: opts.URLExpiry, logger: logger},
		logger:     logger,
	}
}

// Bucket names the bucket results are written to.
func (s *DownloadService) Bucket() string {
	return s.store.Bucket()
}

// Submit creates a download task and queues it. When the queue rejects the
// job the task is returned already failed together with the error.
func (s *DownloadService) Submit(ctx context.Context, req media.Request) (task.Task, error) {
	t, err := s.tasks.Create(ctx, task.KindDownload)
	if err != nil {
		return task.Task{}, fmt.Errorf("create download task: %w", err)
	}
	s.logger.Info("download queued", zap.String("task_id", t.ID), zap.String("url", req.URL))

	if err := enqueue(ctx, s.tasks, s.queue, t.ID, func(jobCtx context.Context) {
		s.run(jobCtx, t.ID, req)
	}); err != nil {
		t.Status = task.StatusFailed
		return t, err
	}
	return t, nil
}

func (s *DownloadService) run(ctx context.Context, id string, req media.Request) {
	logger := s.logger.With(zap.String("task_id", id), zap.String("url", req.URL))
	defer failOnPanic(ctx, s.tasks, logger, id)
	started := time.Now()
	s.tasks.Report(context.WithoutCancel(ctx), id, task.Processing(downloadStarted))

	result, err := s.process(ctx, id, req, logger)
	finish(ctx, s.tasks, logger, id, result, err, task.CodeDownload, "failed to process download")
	if err == nil {
		logger.Info("download finished", zap.String("video_id", result.VideoID), zap.Duration("elapsed", time.Since(started)))
	}
}

func (s *DownloadService) process(ctx context.Context, id string, req media.Request, logger *zap.Logger) (DownloadResult, error) {
	dir, err := platform.TempDir(s.workDir, downloadScratchDir)
	if err != nil {
		return DownloadResult{}, task.NewFailure(task.CodeUnexpected, "failed to prepare work directory", err)
	}
	defer platform.RemoveDir(logger, dir)

	progress := newStageProgress(context.WithoutCancel(ctx), s.tasks, id, downloadStarted, downloadFetched)
	res, err := s.downloader.Download(ctx, req, dir, progress.report)
	if err != nil {
		return DownloadResult{}, task.NewFailure(task.CodeDownload, "failed to download media", err)
	}
	s.tasks.Report(context.WithoutCancel(ctx), id, task.Progress(downloadFetched))
	logger.Debug("media downloaded", zap.String("file", res.MediaFile), zap.Int("additional", len(res.Additional)))

	return s.archiver.archive(ctx, res)
}

// Get describes a stored video, presigning its main media file.
func (s *DownloadService) Get(ctx context.Context, videoID string) (DownloadResult, error) {
	key, meta, err := s.archiver.locateMedia(ctx, videoID)
	if err != nil {
		return DownloadResult{}, err
	}

	url, err := s.store.PresignedURL(ctx, key, s.archiver.urlExpiry)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("presign media url: %w", err)
	}

	out := DownloadResult{
		VideoID:      videoID,
		Title:        path.Base(key),
		Bucket:       s.store.Bucket(),
		ObjectKey:    key,
		PresignedURL: url,
	}
	if meta != nil {
		if strings.TrimSpace(meta.Title) != "" {
			out.Title = meta.Title
		}
		out.Duration = meta.Duration
	}
	return out, nil
}

// Delete removes every object stored for videoID.
func (s *DownloadService) Delete(ctx context.Context, videoID string) error {
	n, err := s.store.DeletePrefix(ctx, storage.VideoPrefix(videoID))
	if err != nil {
		return fmt.Errorf("delete video objects: %w", err)
	}
	if n == 0 {
		return ErrVideoNotFound
	}
	s.logger.Info("video deleted", zap.String("video_id", videoID), zap.Int("objects", n))
	return nil
}

// SubmitPlaylist queues one download per playlist entry. Entries the queue
// rejects are reported as failed; the remaining entries are still tried.
func (s *DownloadService) SubmitPlaylist(ctx context.Context, req PlaylistRequest) ([]PlaylistTask, error) {
	if s.playlists == nil {
		return nil, errors.New("playlist expansion is not configured")
	}
	entries, err := s.playlists.ListPlaylist(ctx, req.URL, req.Limit)
	if err != nil {
		return nil, err
	}
	s.logger.Info("playlist expanded", zap.String("url", req.URL), zap.Int("entries", len(entries)))

	out := make([]PlaylistTask, 0, len(entries))
	for _, entry := range entries {
		single := req.Request
		single.URL = entry.URL
		t, err := s.Submit(ctx, single)
		if t.ID == "" {
			return out, err
		}
		if err != nil {
			s.logger.Warn("playlist entry not queued", zap.String("url", entry.URL), zap.Error(err))
		}
		out = append(out, PlaylistTask{TaskID: t.ID, URL: entry.URL, Title: entry.Title, Status: t.Status})
	}
	return out, nil
}
