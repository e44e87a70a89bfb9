// Package server assembles the task store, worker pool, object storage,
// media tools and transcription engine behind the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/medialoader/internal/api"
	"github.com/fmueller/medialoader/internal/audio"
	"github.com/fmueller/medialoader/internal/config"
	"github.com/fmueller/medialoader/internal/media"
	"github.com/fmueller/medialoader/internal/platform"
	"github.com/fmueller/medialoader/internal/service"
	"github.com/fmueller/medialoader/internal/storage"
	"github.com/fmueller/medialoader/internal/task"
	"github.com/fmueller/medialoader/internal/version"
	"github.com/fmueller/medialoader/internal/whisper"
	"github.com/fmueller/medialoader/internal/worker"
)

const (
	readHeaderTimeout  = 10 * time.Second
	maxJanitorInterval = 10 * time.Minute
	storageAttempts    = 3
	playlistTimeout    = 30 * time.Second
)

// Deps replaces the external collaborators New would otherwise build from
// the configuration. Zero fields are built normally.
type Deps struct {
	Objects    storage.ObjectStore
	Downloader media.Downloader
	Playlists  media.PlaylistLister
	Extractor  service.AudioExtractor
	Engine     whisper.Engine
	Models     service.ModelResolver
}

type App struct {
	cfg     config.Config
	logger  *zap.Logger
	tasks   *task.Manager
	pool    *worker.Pool
	handler http.Handler
	server  *http.Server

	stopJanitor context.CancelFunc
	janitorDone chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

func New(ctx context.Context, cfg config.Config, deps Deps, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := platform.EnsureDir(cfg.WorkDir); err != nil {
		return nil, err
	}

	store, err := openTaskStore(ctx, cfg.Tasks)
	if err != nil {
		return nil, err
	}
	tasks := task.NewManager(store, logger)
	if cfg.Tasks.Store == config.StoreSQLite {
		if _, err := tasks.RecoverInterrupted(ctx); err != nil {
			_ = tasks.Close()
			return nil, err
		}
	}

	if err := deps.fill(ctx, cfg, logger); err != nil {
		_ = tasks.Close()
		return nil, err
	}

	pool := worker.NewPool(worker.Options{
		Workers:   cfg.Tasks.Workers,
		QueueSize: cfg.Tasks.QueueSize,
		Logger:    logger.Named("worker"),
	})

	var gate *audio.Gate
	if cfg.Silence.Enabled {
		g := audio.NewGate(cfg.Silence.ThresholdDBFS)
		gate = &g
	}

	downloads := service.NewDownloadService(service.DownloadOptions{
		Tasks:      tasks,
		Queue:      pool,
		Store:      deps.Objects,
		Downloader: deps.Downloader,
		Playlists:  deps.Playlists,
		WorkDir:    cfg.WorkDir,
		URLExpiry:  cfg.URLExpiry(),
		Logger:     logger,
	})
	transcriptions := service.NewTranscriptionService(service.TranscriptionOptions{
		Tasks:           tasks,
		Queue:           pool,
		Store:           deps.Objects,
		Downloader:      deps.Downloader,
		Extractor:       deps.Extractor,
		Engine:          deps.Engine,
		Models:          deps.Models,
		Gate:            gate,
		DefaultModel:    cfg.Whisper.Model,
		DefaultLanguage: cfg.Whisper.Language,
		Threads:         cfg.Whisper.Threads,
		WorkDir:         cfg.WorkDir,
		URLExpiry:       cfg.URLExpiry(),
		Logger:          logger,
	})

	apiVersion := cfg.Version
	if apiVersion == "" {
		apiVersion = version.Resolve()
	}
	handler, err := api.NewHandler(api.Options{
		APIKey:         cfg.APIKey,
		Version:        apiVersion,
		Downloads:      downloads,
		Transcriptions: transcriptions,
		Tasks:          tasks,
		Storage:        deps.Objects,
		Logger:         logger,
	})
	if err != nil {
		_ = pool.Shutdown(ctx)
		_ = tasks.Close()
		return nil, err
	}

	janitorCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	app := &App{
		cfg:     cfg,
		logger:  logger,
		tasks:   tasks,
		pool:    pool,
		handler: handler,
		server: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			ErrorLog:          zap.NewStdLog(logger.Named("http")),
		},
		stopJanitor: stop,
		janitorDone: make(chan struct{}),
	}
	go func() {
		defer close(app.janitorDone)
		tasks.RunJanitor(janitorCtx, janitorInterval(cfg.Tasks.Retention), cfg.Tasks.Retention)
	}()

	logger.Info("server assembled",
		zap.String("engine", deps.Engine.Name()),
		zap.String("task_store", cfg.Tasks.Store),
		zap.Int("workers", cfg.Tasks.Workers),
		zap.String("bucket", deps.Objects.Bucket()),
	)
	return app, nil
}

func openTaskStore(ctx context.Context, cfg config.Tasks) (task.Store, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		store, err := task.OpenSQLite(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoreMemory, "":
		return task.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown task store %q", cfg.Store)
}

// fill builds every collaborator the caller did not supply.
func (d *Deps) fill(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if d.Objects == nil {
		store, err := storage.NewMinio(storage.Options{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			Secure:    cfg.MinIO.Secure,
			Region:    cfg.MinIO.Region,
			Attempts:  storageAttempts,
			Logger:    logger.Named("storage"),
		})
		if err != nil {
			return err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("prepare bucket %s: %w", cfg.MinIO.Bucket, err)
		}
		d.Objects = store
	}

	if d.Downloader == nil {
		if cfg.YTDLPAutoInstall {
			if err := media.Install(ctx, logger); err != nil {
				return fmt.Errorf("install yt-dlp: %w", err)
			}
		}
		d.Downloader = media.NewYTDLP(cfg.DownloadRetries, logger.Named("yt-dlp"))
	}
	if d.Playlists == nil {
		d.Playlists = media.YouTubePlaylists{Timeout: playlistTimeout}
	}

	if d.Extractor == nil {
		ffmpeg := media.NewFFmpeg(cfg.FFmpegPath, logger.Named("ffmpeg"))
		if err := ffmpeg.Available(); err != nil {
			logger.Warn("ffmpeg unavailable; transcriptions will fail", zap.Error(err))
		}
		d.Extractor = ffmpeg
	}

	if d.Engine == nil {
		engine, err := newEngine(cfg, logger)
		if err != nil {
			return err
		}
		d.Engine = engine
	}

	if d.Models == nil {
		dir, err := platform.ResolveModelDir(cfg.Whisper.ModelDir, cfg.WorkDir)
		if err != nil {
			return err
		}
		if d.Engine.NeedsModel() {
			if err := platform.EnsureDir(dir); err != nil {
				return err
			}
		}
		d.Models = whisper.NewModelManager(dir, cfg.Whisper.AutoDownload, logger.Named("models"))
	}
	return nil
}

func newEngine(cfg config.Config, logger *zap.Logger) (whisper.Engine, error) {
	switch cfg.Whisper.Engine {
	case config.EngineOpenAI:
		engine, err := whisper.NewOpenAIEngine(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, logger.Named("openai"))
		if err != nil {
			return nil, err
		}
		return engine, nil
	case config.EngineWhisperCPP, "":
		engine, err := whisper.NewCPPEngine(cfg.Whisper.Path, logger.Named("whisper"))
		if err != nil {
			return nil, fmt.Errorf("locate whisper-cli: %w", err)
		}
		return engine, nil
	}
	return nil, fmt.Errorf("unknown transcription engine %q", cfg.Whisper.Engine)
}

func janitorInterval(retention time.Duration) time.Duration {
	if retention <= 0 {
		return 0
	}
	return min(retention, maxJanitorInterval)
}

func (a *App) Handler() http.Handler { return a.handler }

func (a *App) Tasks() *task.Manager { return a.tasks }

// ListenAndServe serves on the configured address until ctx is done, then
// shuts down.
func (a *App) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("listen on %s: %w", a.cfg.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Serve(ln)
	}()
	a.logger.Info("listening", zap.String("addr", ln.Addr().String()))

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		a.logger.Info("shutting down", zap.Duration("timeout", a.cfg.ShutdownTimeout))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	return errors.Join(serveErr, a.Close(shutdownCtx))
}

// Close stops accepting requests, waits for queued jobs until ctx expires
// and closes the task store. Jobs still running at the deadline are
// cancelled and end up interrupted.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
		a.stopJanitor()
		<-a.janitorDone
		if err := a.pool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain workers: %w", err))
		}
		if err := a.tasks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close task store: %w", err))
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.ShutdownTimeout <= 0 {
		return 30 * time.Second
	}
	return a.cfg.ShutdownTimeout
}
