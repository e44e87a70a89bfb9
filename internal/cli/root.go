package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fmueller/medialoader/internal/audio"
	"github.com/fmueller/medialoader/internal/config"
	"github.com/fmueller/medialoader/internal/logging"
	"github.com/fmueller/medialoader/internal/platform"
	"github.com/fmueller/medialoader/internal/transcript"
	"github.com/fmueller/medialoader/internal/version"
	"github.com/fmueller/medialoader/internal/whisper"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/spf13/cobra"
)

const serviceName = "medialoader"

type appState struct {
	verbose      bool
	jsonLogs     bool
	noProgress   bool
	envFiles     []string
	model        string
	modelDir     string
	language     string
	autoDownload bool
	engine       string
	whisperPath  string
	ffmpegPath   string
	silenceGate  bool
	silenceDBFS  float64
	format       string

	logger *zap.Logger
	out    io.Writer

	loadConfigFn func(files ...string) (config.Config, error)
	serveFn      func(ctx context.Context, cfg config.Config) error
	transcribeFn func(ctx context.Context, mediaPath string) (transcript.Transcript, error)
	fetchFn      whisper.Fetcher
}

func NewRootCmd() *cobra.Command {
	app := &appState{
		model:        whisper.DefaultModel,
		language:     "auto",
		autoDownload: true,
		engine:       config.EngineWhisperCPP,
		ffmpegPath:   "ffmpeg",
		silenceGate:  true,
		silenceDBFS:  audio.DefaultThresholdDBFS,
		format:       string(transcript.FormatText),
		out:          os.Stdout,
	}
	app.loadConfigFn = config.Load
	app.serveFn = app.serve
	app.transcribeFn = app.transcribeFile

	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Download media with yt-dlp and transcribe it with whisper behind an HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			app.language = config.NormalizeLanguage(app.language)
			return app.initLogger()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runServe(cmd.Context(), "")
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindLoggingFlags(cmd, app)
	cmd.PersistentFlags().StringSliceVar(&app.envFiles, "env-file", nil, "Env files read before the environment (default .env, app/.env)")

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindLoggingFlags(cmd *cobra.Command, app *appState) {
	cmd.PersistentFlags().BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	cmd.PersistentFlags().BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
}

func bindProgressFlag(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
}

func bindModelFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.model, "model", app.model, "Model name or model file path")
	cmd.Flags().StringVar(&app.modelDir, "model-dir", app.modelDir, "Directory where models are stored")
}

func bindTranscriptionFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.language, "language", app.language, "Language code (auto|en|de|...) for transcription")
	cmd.Flags().BoolVar(&app.autoDownload, "auto-download", app.autoDownload, "Automatically download missing models")
	cmd.Flags().StringVar(&app.engine, "engine", app.engine, "Transcription engine: whisper-cpp|openai")
	cmd.Flags().StringVar(&app.whisperPath, "whisper-path", app.whisperPath, "Path to whisper-cli (default $WHISPER_PATH, then $PATH)")
	cmd.Flags().StringVar(&app.ffmpegPath, "ffmpeg", app.ffmpegPath, "ffmpeg executable used to extract audio")
	cmd.Flags().BoolVar(&app.silenceGate, "silence-gate", app.silenceGate, "Detect near-silent audio and skip transcription")
	cmd.Flags().Float64Var(&app.silenceDBFS, "silence-threshold-dbfs", app.silenceDBFS, "Silence gate threshold in dBFS")
}

func (a *appState) initLogger() error {
	logger, err := logging.New(logging.Options{
		Verbose: a.verbose,
		JSON:    a.jsonLogs,
		Service: serviceName,
		Version: version.Resolve(),
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	a.logger = logger
	return nil
}

func (a *appState) modelStorageDir() (string, error) {
	dir, err := platform.ResolveModelDir(a.modelDir, "")
	if err != nil {
		return "", err
	}
	if err := platform.EnsureDir(dir); err != nil {
		return "", err
	}
	return dir, nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func (a *appState) outWriter() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}
