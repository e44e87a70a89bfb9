package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/medialoader/internal/audio"
	"github.com/fmueller/medialoader/internal/config"
	"github.com/fmueller/medialoader/internal/media"
	"github.com/fmueller/medialoader/internal/platform"
	"github.com/fmueller/medialoader/internal/transcript"
	"github.com/fmueller/medialoader/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const noSpeechHint = "No speech detected in the media file."

func newTranscribeCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcribe <media-file>",
		Short: "Transcribe a local audio or video file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := transcript.ParseFormat(app.format)
			if err != nil {
				return err
			}

			transcribeFn := app.transcribeFn
			if transcribeFn == nil {
				transcribeFn = app.transcribeFile
			}
			tr, err := transcribeFn(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if tr.IsEmpty() {
				app.log().Warn(noSpeechHint)
			}

			rendered, err := tr.Render(format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(rendered)
			return err
		},
	}

	bindProgressFlag(cmd, app)
	bindModelFlags(cmd, app)
	bindTranscriptionFlags(cmd, app)
	cmd.Flags().StringVar(&app.format, "format", app.format, "Output format: text|json|srt|vtt")
	return cmd
}

func (a *appState) transcribeFile(ctx context.Context, mediaPath string) (transcript.Transcript, error) {
	mediaPath = filepath.Clean(mediaPath)
	if _, err := os.Stat(mediaPath); err != nil {
		return transcript.Transcript{}, fmt.Errorf("media file not found: %w", err)
	}

	engine, err := a.newEngine()
	if err != nil {
		return transcript.Transcript{}, err
	}

	scratch, err := os.MkdirTemp("", serviceName+"-transcribe-")
	if err != nil {
		return transcript.Transcript{}, fmt.Errorf("create scratch directory: %w", err)
	}
	defer platform.RemoveDir(a.log(), scratch)

	wav, err := a.prepareAudio(ctx, mediaPath, scratch)
	if err != nil {
		return transcript.Transcript{}, err
	}

	if a.silenceGate {
		silent, metrics, err := audio.NewGate(a.silenceDBFS).IsSilentFile(wav)
		switch {
		case err != nil:
			a.log().Warn("silence gate analysis failed; continuing transcription", zap.Error(err), zap.String("audio", wav))
		case silent:
			a.log().Info("audio considered silent; skipping transcription",
				zap.String("audio", wav),
				zap.Float64("rms_dbfs", metrics.RMSdBFS),
				zap.Float64("peak_dbfs", metrics.PeakdBFS),
				zap.Float64("threshold_dbfs", a.silenceDBFS),
			)
			return transcript.Empty(a.language), nil
		}
	}

	req := whisper.Request{
		AudioPath: wav,
		Language:  a.language,
		BeamSize:  whisper.DefaultBeamSize,
	}
	if engine.NeedsModel() {
		model, err := a.ensureModelAvailable(ctx)
		if err != nil {
			return transcript.Transcript{}, err
		}
		req.ModelPath = model.Path
	}

	a.log().Info("transcribing...", zap.String("media", mediaPath), zap.String("engine", engine.Name()), zap.String("language", a.language))
	stopSpinner := startSpinner(a.progressEnabled(), "Transcribing")
	started := time.Now()

	tr, err := engine.Transcribe(ctx, req)
	stopSpinner()
	if err != nil {
		a.log().Warn("transcription failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return transcript.Transcript{}, err
	}
	a.log().Info("transcription finished", zap.Duration("elapsed", time.Since(started)), zap.Int("segments", len(tr.Segments)))
	return tr, nil
}

// prepareAudio returns a WAV whisper can read. WAV input is used as is,
// anything else goes through ffmpeg.
func (a *appState) prepareAudio(ctx context.Context, mediaPath, scratch string) (string, error) {
	if strings.EqualFold(filepath.Ext(mediaPath), ".wav") {
		return mediaPath, nil
	}
	ffmpeg := media.NewFFmpeg(a.ffmpegPath, a.log())
	if err := ffmpeg.Available(); err != nil {
		return "", err
	}
	out := filepath.Join(scratch, "audio.wav")
	if err := ffmpeg.ExtractAudio(ctx, mediaPath, out); err != nil {
		return "", err
	}
	return out, nil
}

func (a *appState) newEngine() (whisper.Engine, error) {
	switch strings.ToLower(strings.TrimSpace(a.engine)) {
	case config.EngineOpenAI:
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, errors.New("OPENAI_API_KEY is required for --engine openai")
		}
		return whisper.NewOpenAIEngine(apiKey, os.Getenv("OPENAI_BASE_URL"), os.Getenv("OPENAI_MODEL"), a.log())
	case config.EngineWhisperCPP, "":
		path := a.whisperPath
		if path == "" {
			path = os.Getenv("WHISPER_PATH")
		}
		return whisper.NewCPPEngine(path, a.log())
	}
	return nil, fmt.Errorf("unknown engine %q: expected %s or %s", a.engine, config.EngineWhisperCPP, config.EngineOpenAI)
}

func (a *appState) ensureModelAvailable(ctx context.Context) (whisper.ResolvedModel, error) {
	modelDir, err := a.modelStorageDir()
	if err != nil {
		return whisper.ResolvedModel{}, err
	}

	models := whisper.NewModelManager(modelDir, a.autoDownload, a.log())
	models.NoProgress = !a.progressEnabled()
	if a.fetchFn != nil {
		models.Fetch = a.fetchFn
	}
	return models.Ensure(ctx, a.model)
}
