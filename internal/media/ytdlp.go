package media

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lrstanley/go-ytdlp"
	"go.uber.org/zap"
)

const outputTemplate = "%(title)s.%(ext)s"

// YTDLP downloads through the yt-dlp executable.
type YTDLP struct {
	Attempts      int
	RetryInterval time.Duration
	Logger        *zap.Logger
}

func NewYTDLP(attempts int, logger *zap.Logger) *YTDLP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &YTDLP{Attempts: attempts, RetryInterval: time.Second, Logger: logger}
}

// Install fetches a yt-dlp binary into the library cache when none is
// available on the host.
func Install(ctx context.Context, logger *zap.Logger) error {
	resolved, err := ytdlp.Install(ctx, nil)
	if err != nil {
		return fmt.Errorf("install yt-dlp: %w", err)
	}
	if logger != nil {
		logger.Info("yt-dlp ready", zap.String("path", resolved.Executable), zap.String("version", resolved.Version))
	}
	return nil
}

func (y *YTDLP) command(req Request, dir string, progress ProgressFunc) *ytdlp.Command {
	cmd := ytdlp.New().
		NoPlaylist().
		RestrictFilenames().
		WriteInfoJSON().
		Format(req.FormatSelector()).
		Output(filepath.Join(dir, outputTemplate))

	if req.ConvertsToMP3() {
		cmd = cmd.ExtractAudio().AudioFormat("mp3").AudioQuality("192")
	}
	if progress != nil {
		cmd = cmd.ProgressFunc(500*time.Millisecond, func(update ytdlp.ProgressUpdate) {
			if f, ok := fraction(update); ok {
				progress(f)
			}
		})
	}
	return cmd
}

func (y *YTDLP) Download(ctx context.Context, req Request, dir string, progress ProgressFunc) (Result, error) {
	req = req.withDefaults()
	cmd := y.command(req, dir, progress)

	attempts := max(y.Attempts, 1)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = y.RetryInterval
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	y.Logger.Info("downloading media", zap.String("url", req.URL), zap.String("format", req.FormatSelector()))
	err := backoff.RetryNotify(func() error {
		_, err := cmd.Run(ctx, req.URL)
		return err
	}, policy, func(err error, wait time.Duration) {
		y.Logger.Warn("yt-dlp failed, retrying", zap.String("url", req.URL), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, fmt.Errorf("yt-dlp %s: %w", req.URL, err)
	}

	res, err := Collect(dir, req.URL)
	if err != nil {
		return Result{}, err
	}
	y.Logger.Info("downloaded media",
		zap.String("video_id", res.Metadata.VideoID),
		zap.String("title", res.Metadata.Title),
		zap.String("file", filepath.Base(res.MediaFile)),
	)
	return res, nil
}

func fraction(update ytdlp.ProgressUpdate) (float64, bool) {
	switch {
	case update.TotalBytes > 0:
		return clampFraction(float64(update.DownloadedBytes) / float64(update.TotalBytes)), true
	case update.FragmentCount > 0:
		return clampFraction(float64(update.FragmentIndex) / float64(update.FragmentCount)), true
	}
	return 0, false
}

func clampFraction(v float64) float64 {
	return min(max(v, 0), 1)
}
