package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/medialoader/internal/audio"
	"github.com/fmueller/medialoader/internal/media"
	"github.com/fmueller/medialoader/internal/platform"
	"github.com/fmueller/medialoader/internal/storage"
	"github.com/fmueller/medialoader/internal/task"
	"github.com/fmueller/medialoader/internal/transcript"
	"github.com/fmueller/medialoader/internal/whisper"
)

// Transcription progress checkpoints.
const (
	transcriptionStarted  = 0.1
	transcriptionAcquired = 0.3
	transcriptionPrepared = 0.4
	transcriptionDecoded  = 0.9
)

const (
	transcriptionScratchDir = "transcription-"
	extractedAudioName      = "audio.wav"
)

// AudioExtractor converts any media file into the 16 kHz mono WAV the
// engines expect.
type AudioExtractor interface {
	ExtractAudio(ctx context.Context, in, out string) error
}

// ModelResolver makes a whisper model available locally.
type ModelResolver interface {
	Ensure(ctx context.Context, ref string) (whisper.ResolvedModel, error)
}

type TranscriptionRequest struct {
	VideoID  string
	URL      string
	Language string
	Model    string
	// PersistMedia stores media fetched from URL under videos/ as well.
	PersistMedia bool
}

type TranscriptionFiles struct {
	JSON  string `json:"json"`
	SRT   string `json:"srt"`
	VTT   string `json:"vtt"`
	Media string `json:"media,omitempty"`
}

// TranscriptionResult is the task result of a transcription and the body of
// a transcription lookup.
type TranscriptionResult struct {
	TranscriptionID string              `json:"transcription_id"`
	Language        string              `json:"language"`
	JSONURL         string              `json:"json_url"`
	SRTURL          string              `json:"srt_url"`
	VTTURL          string              `json:"vtt_url"`
	Segments        int                 `json:"segments"`
	Files           *TranscriptionFiles `json:"files,omitempty"`
}

type TranscriptionOptions struct {
	Tasks      *task.Manager
	Queue      Queue
	Store      storage.ObjectStore
	Downloader media.Downloader
	Extractor  AudioExtractor
	Engine     whisper.Engine
	Models     ModelResolver
	// Gate skips the engine for silent audio. Nil disables the check.
	Gate            *audio.Gate
	DefaultModel    string
	DefaultLanguage string
	Threads         int
	WorkDir         string
	URLExpiry       time.Duration
	Logger          *zap.Logger
}

type TranscriptionService struct {
	tasks      *task.Manager
	queue      Queue
	store      storage.ObjectStore
	downloader media.Downloader
	extractor  AudioExtractor
	engine     whisper.Engine
	models     ModelResolver
	gate       *audio.Gate
	model      string
	language   string
	threads    int
	workDir    string
	archiver   archiver
	logger     *zap.Logger
}

func NewTranscriptionService(opts TranscriptionOptions) *TranscriptionService {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("transcriptions")
	model := opts.DefaultModel
	if model == "" {
		model = whisper.DefaultModel
	}
	language := opts.DefaultLanguage
	if language == "" {
		language = "auto"
	}
	return &TranscriptionService{
		tasks:      opts.Tasks,
		queue:      opts.Queue,
		store:      opts.Store,
		downloader: opts.Downloader,
		extractor:  opts.Extractor,
		engine:     opts.Engine,
		models:     opts.Models,
		gate:       opts.Gate,
		model:      model,
		language:   language,
		threads:    opts.Threads,
		workDir:    opts.WorkDir,
		archiver:   archiver{store: opts.Store, urlExpiry: opts.URLExpiry, logger: logger},
		logger:     logger,
	}
}

// Language returns the language a request will be transcribed in.
func (s *TranscriptionService) Language(requested string) string {
	lang := strings.ToLower(strings.TrimSpace(requested))
	if lang == "" {
		return s.language
	}
	return lang
}

func (s *TranscriptionService) Submit(ctx context.Context, req TranscriptionRequest) (task.Task, error) {
	req.VideoID = strings.TrimSpace(req.VideoID)
	req.URL = strings.TrimSpace(req.URL)
	if req.VideoID == "" && req.URL == "" {
		return task.Task{}, ErrMissingSource
	}
	req.Language = s.Language(req.Language)
	if strings.TrimSpace(req.Model) == "" {
		req.Model = s.model
	}

	t, err := s.tasks.Create(ctx, task.KindTranscription)
	if err != nil {
		return task.Task{}, fmt.Errorf("create transcription task: %w", err)
	}
	s.logger.Info("transcription queued",
		zap.String("task_id", t.ID),
		zap.String("video_id", req.VideoID),
		zap.String("url", req.URL),
		zap.String("model", req.Model),
		zap.String("language", req.Language),
	)

	if err := enqueue(ctx, s.tasks, s.queue, t.ID, func(jobCtx context.Context) {
		s.run(jobCtx, t.ID, req)
	}); err != nil {
		t.Status = task.StatusFailed
		return t, err
	}
	return t, nil
}

func (s *TranscriptionService) run(ctx context.Context, id string, req TranscriptionRequest) {
	logger := s.logger.With(zap.String("task_id", id))
	defer failOnPanic(ctx, s.tasks, logger, id)
	started := time.Now()
	s.tasks.Report(context.WithoutCancel(ctx), id, task.Processing(transcriptionStarted))

	result, err := s.process(ctx, id, req, logger)
	finish(ctx, s.tasks, logger, id, result, err, task.CodeTranscription, "failed to process transcription")
	if err == nil {
		logger.Info("transcription finished",
			zap.String("transcription_id", result.TranscriptionID),
			zap.Int("segments", result.Segments),
			zap.Duration("elapsed", time.Since(started)),
		)
	}
}

func (s *TranscriptionService) process(ctx context.Context, id string, req TranscriptionRequest, logger *zap.Logger) (TranscriptionResult, error) {
	dir, err := platform.TempDir(s.workDir, transcriptionScratchDir)
	if err != nil {
		return TranscriptionResult{}, task.NewFailure(task.CodeUnexpected, "failed to prepare work directory", err)
	}
	defer platform.RemoveDir(logger, dir)

	report := context.WithoutCancel(ctx)
	source, err := s.acquire(ctx, id, req, dir)
	if err != nil {
		return TranscriptionResult{}, err
	}
	s.tasks.Report(report, id, task.Progress(transcriptionAcquired))
	logger = logger.With(zap.String("transcription_id", source.id))

	wav := filepath.Join(dir, extractedAudioName)
	if err := s.extractor.ExtractAudio(ctx, source.path, wav); err != nil {
		return TranscriptionResult{}, task.NewFailure(task.CodeTranscription, "failed to extract audio", err)
	}

	tr, err := s.transcribe(ctx, id, req, wav, logger)
	if err != nil {
		return TranscriptionResult{}, err
	}
	s.tasks.Report(report, id, task.Progress(transcriptionDecoded))

	result, err := s.publish(ctx, source.id, tr)
	if err != nil {
		return TranscriptionResult{}, err
	}
	result.Files.Media = source.storedKey
	return result, nil
}

type mediaSource struct {
	id        string
	path      string
	storedKey string
}

// acquire puts the media to transcribe into dir, either from the bucket or
// by downloading the URL's audio track.
func (s *TranscriptionService) acquire(ctx context.Context, id string, req TranscriptionRequest, dir string) (mediaSource, error) {
	if req.VideoID != "" {
		key, _, err := s.archiver.locateMedia(ctx, req.VideoID)
		switch {
		case errors.Is(err, ErrVideoNotFound), errors.Is(err, ErrMediaNotFound):
			return mediaSource{}, task.NewFailure(task.CodeTranscription, "no media file found for video "+req.VideoID, err)
		case err != nil:
			return mediaSource{}, task.NewFailure(task.CodeStorage, "failed to look up stored media", err)
		}
		local := filepath.Join(dir, path.Base(key))
		if err := s.store.DownloadFile(ctx, key, local); err != nil {
			return mediaSource{}, task.NewFailure(task.CodeStorage, "failed to fetch stored media", err)
		}
		return mediaSource{id: req.VideoID, path: local, storedKey: key}, nil
	}

	downloadDir := filepath.Join(dir, "media")
	if err := platform.EnsureDir(downloadDir); err != nil {
		return mediaSource{}, task.NewFailure(task.CodeUnexpected, "failed to prepare work directory", err)
	}
	progress := newStageProgress(context.WithoutCancel(ctx), s.tasks, id, transcriptionStarted, transcriptionAcquired)
	res, err := s.downloader.Download(ctx, media.Request{URL: req.URL, Format: "mp4", AudioOnly: true}, downloadDir, progress.report)
	if err != nil {
		return mediaSource{}, task.NewFailure(task.CodeDownload, "failed to download media", err)
	}

	src := mediaSource{id: res.Metadata.VideoID, path: res.MediaFile}
	if req.PersistMedia {
		stored, err := s.archiver.archive(ctx, res)
		if err != nil {
			return mediaSource{}, err
		}
		src.storedKey = stored.ObjectKey
	}
	return src, nil
}

func (s *TranscriptionService) transcribe(ctx context.Context, id string, req TranscriptionRequest, wav string, logger *zap.Logger) (transcript.Transcript, error) {
	report := context.WithoutCancel(ctx)
	if s.gate != nil {
		silent, metrics, err := s.gate.IsSilentFile(wav)
		switch {
		case err != nil:
			logger.Warn("silence gate skipped", zap.Error(err))
		case silent:
			logger.Info("audio is silent, skipping engine",
				zap.Float64("rms_dbfs", metrics.RMSdBFS),
				zap.Float64("peak_dbfs", metrics.PeakdBFS),
			)
			return transcript.Empty(req.Language), nil
		}
	}

	var modelPath string
	if s.engine.NeedsModel() {
		model, err := s.models.Ensure(ctx, req.Model)
		if err != nil {
			return transcript.Transcript{}, task.NewFailure(task.CodeTranscription, "failed to prepare whisper model", err)
		}
		modelPath = model.Path
	}
	s.tasks.Report(report, id, task.Progress(transcriptionPrepared))

	progress := newStageProgress(report, s.tasks, id, transcriptionPrepared, transcriptionDecoded)
	logger.Info("transcribing", zap.String("engine", s.engine.Name()), zap.String("model", req.Model), zap.String("language", req.Language))
	tr, err := s.engine.Transcribe(ctx, whisper.Request{
		AudioPath: wav,
		ModelPath: modelPath,
		Model:     req.Model,
		Language:  req.Language,
		Threads:   s.threads,
		BeamSize:  whisper.DefaultBeamSize,
		Progress:  progress.report,
	})
	if err != nil {
		return transcript.Transcript{}, task.NewFailure(task.CodeTranscription, "transcription engine failed", err)
	}
	if tr.Language == "" {
		tr.Language = req.Language
	}
	return tr, nil
}

// publish uploads the JSON, SRT and VTT renderings and presigns them.
func (s *TranscriptionService) publish(ctx context.Context, id string, tr transcript.Transcript) (TranscriptionResult, error) {
	doc, err := tr.JSON()
	if err != nil {
		return TranscriptionResult{}, task.NewFailure(task.CodeUnexpected, "failed to encode transcription", err)
	}
	renderings := []struct {
		ext  string
		data []byte
	}{
		{ext: "json", data: doc},
		{ext: "srt", data: []byte(tr.SRT())},
		{ext: "vtt", data: []byte(tr.VTT())},
	}

	files := &TranscriptionFiles{}
	for _, r := range renderings {
		key := storage.TranscriptionKey(id, r.ext)
		if err := s.store.UploadBytes(ctx, r.data, key, storage.ContentType(key), map[string]string{"transcription-id": id}); err != nil {
			return TranscriptionResult{}, task.NewFailure(task.CodeStorage, "failed to upload transcription", err)
		}
		switch r.ext {
		case "json":
			files.JSON = key
		case "srt":
			files.SRT = key
		case "vtt":
			files.VTT = key
		}
	}

	result, err := s.presign(ctx, id, tr.Language)
	if err != nil {
		return TranscriptionResult{}, task.NewFailure(task.CodeStorage, "failed to presign transcription urls", err)
	}
	result.Segments = len(tr.Segments)
	result.Files = files
	return result, nil
}

// Get looks up a finished transcription by its id.
func (s *TranscriptionService) Get(ctx context.Context, id string) (TranscriptionResult, error) {
	data, err := s.store.ReadObject(ctx, storage.TranscriptionKey(id, "json"))
	if errors.Is(err, storage.ErrObjectNotFound) {
		return TranscriptionResult{}, ErrTranscriptionNotFound
	}
	if err != nil {
		return TranscriptionResult{}, fmt.Errorf("read transcription: %w", err)
	}

	var tr transcript.Transcript
	if err := json.Unmarshal(data, &tr); err != nil {
		return TranscriptionResult{}, fmt.Errorf("decode transcription: %w", err)
	}
	language := tr.Language
	if language == "" {
		language = s.language
	}

	result, err := s.presign(ctx, id, language)
	if err != nil {
		return TranscriptionResult{}, err
	}
	result.Segments = len(tr.Segments)
	return result, nil
}

func (s *TranscriptionService) presign(ctx context.Context, id, language string) (TranscriptionResult, error) {
	out := TranscriptionResult{TranscriptionID: id, Language: language}
	targets := []struct {
		ext string
		dst *string
	}{
		{ext: "json", dst: &out.JSONURL},
		{ext: "srt", dst: &out.SRTURL},
		{ext: "vtt", dst: &out.VTTURL},
	}
	for _, t := range targets {
		url, err := s.store.PresignedURL(ctx, storage.TranscriptionKey(id, t.ext), s.archiver.urlExpiry)
		if err != nil {
			return TranscriptionResult{}, fmt.Errorf("presign %s url: %w", t.ext, err)
		}
		*t.dst = url
	}
	return out, nil
}
