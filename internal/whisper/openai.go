package whisper

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/fmueller/medialoader/internal/transcript"
)

// OpenAIEngine sends audio to an OpenAI compatible transcription endpoint.
type OpenAIEngine struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

func NewOpenAIEngine(apiKey, baseURL, model string, logger *zap.Logger) (*OpenAIEngine, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if model == "" {
		model = openai.Whisper1
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIEngine{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger,
	}, nil
}

func (e *OpenAIEngine) Name() string { return "openai" }

func (e *OpenAIEngine) NeedsModel() bool { return false }

func (e *OpenAIEngine) Transcribe(ctx context.Context, req Request) (transcript.Transcript, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return transcript.Transcript{}, errors.New("audio path is required")
	}

	if req.Model != "" && req.Model != e.model {
		e.logger.Info("hosted engine ignores requested model",
			zap.String("requested", req.Model),
			zap.String("model", e.model),
		)
	}
	e.logger.Debug("sending audio to openai", zap.String("model", e.model), zap.String("audio", req.AudioPath))
	reportProgress(req.Progress, 0)
	resp, err := e.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    e.model,
		FilePath: req.AudioPath,
		Language: languageArg(req.Language),
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return transcript.Transcript{}, fmt.Errorf("openai transcription: %w", err)
	}

	segments := make([]transcript.Segment, 0, len(resp.Segments))
	for _, seg := range resp.Segments {
		segments = append(segments, transcript.Segment{
			Start: seg.Start,
			End:   seg.End,
			Text:  seg.Text,
		})
	}
	if len(segments) == 0 && !transcript.IsBlank(resp.Text) {
		segments = append(segments, transcript.Segment{End: resp.Duration, Text: resp.Text})
	}

	language := languageCode(resp.Language)
	if l := languageArg(req.Language); l != "" {
		language = l
	}
	reportProgress(req.Progress, 1)
	return transcript.New(segments, language), nil
}
