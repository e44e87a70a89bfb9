package whisper

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fmueller/medialoader/internal/download"
)

// Fetcher downloads a model file into place.
type Fetcher func(ctx context.Context, opts download.Options) error

// ModelManager resolves model references to files, downloading missing
// registry models once even when several jobs ask at the same time.
type ModelManager struct {
	Dir          string
	AutoDownload bool
	NoProgress   bool
	Logger       *zap.Logger
	Fetch        Fetcher

	group singleflight.Group
}

func NewModelManager(dir string, autoDownload bool, logger *zap.Logger) *ModelManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelManager{
		Dir:          dir,
		AutoDownload: autoDownload,
		NoProgress:   true,
		Logger:       logger,
		Fetch:        download.Fetch,
	}
}

func (m *ModelManager) Ensure(ctx context.Context, ref string) (ResolvedModel, error) {
	resolved, err := ResolveModel(ref, m.Dir)
	if err != nil {
		return ResolvedModel{}, err
	}
	if !resolved.NeedsDownload {
		return resolved, nil
	}
	if !m.AutoDownload {
		return ResolvedModel{}, fmt.Errorf("model %s is not installed at %s; run `medialoader setup --model %s`", resolved.Name, resolved.Path, resolved.Name)
	}

	// The shared download outlives any single caller; each caller only
	// stops waiting when its own context ends.
	fetchCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(resolved.Path, func() (any, error) {
		m.Logger.Info("downloading whisper model", zap.String("model", resolved.Name), zap.String("path", resolved.Path))
		return nil, m.Fetch(fetchCtx, download.Options{
			URL:            resolved.URL,
			Destination:    resolved.Path,
			ExpectedSHA256: resolved.SHA256,
			NoProgress:     m.NoProgress,
			Logger:         m.Logger,
		})
	})

	select {
	case <-ctx.Done():
		return ResolvedModel{}, fmt.Errorf("wait for model %s: %w", resolved.Name, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return ResolvedModel{}, fmt.Errorf("download model %s: %w", resolved.Name, res.Err)
		}
		if res.Shared {
			m.Logger.Debug("model download shared with concurrent job", zap.String("model", resolved.Name))
		}
	}

	resolved.NeedsDownload = false
	return resolved, nil
}
