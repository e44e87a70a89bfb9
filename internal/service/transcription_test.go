package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/medialoader/internal/audio"
	"github.com/fmueller/medialoader/internal/task"
	"github.com/fmueller/medialoader/internal/transcript"
	"github.com/fmueller/medialoader/internal/worker"
)

type transcriptionFixture struct {
	svc       *TranscriptionService
	tasks     *task.Manager
	objects   *memoryObjects
	dl        *fakeDownloader
	extractor *fakeExtractor
	engine    *fakeEngine
	models    *fakeModels
	workDir   string
}

func newTranscriptionFixture(t *testing.T, queue Queue) *transcriptionFixture {
	t.Helper()
	gate := audio.NewGate(audio.DefaultThresholdDBFS)
	f := &transcriptionFixture{
		tasks:     newTestManager(t),
		objects:   newMemoryObjects(),
		dl:        &fakeDownloader{videoID: "remote1", title: "Remote", files: map[string]string{"Remote.mp3": "mp3"}},
		extractor: &fakeExtractor{samples: loudSamples()},
		engine: &fakeEngine{
			needsModel: true,
			result: transcript.New([]transcript.Segment{
				{Start: 0, End: 1.5, Text: " Hello there "},
				{Start: 1.5, End: 3, Text: "General Kenobi"},
			}, "en"),
		},
		models:  &fakeModels{path: "/models/ggml-medium.bin"},
		workDir: t.TempDir(),
	}
	f.svc = NewTranscriptionService(TranscriptionOptions{
		Tasks:           f.tasks,
		Queue:           queue,
		Store:           f.objects,
		Downloader:      f.dl,
		Extractor:       f.extractor,
		Engine:          f.engine,
		Models:          f.models,
		Gate:            &gate,
		DefaultModel:    "medium",
		DefaultLanguage: "auto",
		Threads:         4,
		WorkDir:         f.workDir,
		URLExpiry:       time.Hour,
	})
	return f
}

func (f *transcriptionFixture) result(t *testing.T, id string) (task.Task, TranscriptionResult) {
	t.Helper()
	got := requireTask(t, f.tasks, id)
	var result TranscriptionResult
	if got.Result != nil {
		require.NoError(t, json.Unmarshal(got.Result, &result))
	}
	return got, result
}

func TestTranscriptionRequiresSource(t *testing.T) {
	t.Parallel()

	f := newTranscriptionFixture(t, syncQueue{})
	_, err := f.svc.Submit(context.Background(), TranscriptionRequest{Language: "pt"})
	require.ErrorIs(t, err, ErrMissingSource)

	list, err := f.tasks.List(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestTranscriptionFromStoredVideo(t *testing.T) {
	t.Parallel()

	f := newTranscriptionFixture(t, syncQueue{})
	f.objects.put("videos/abc123/metadata.json", []byte(`{"video_id":"abc123","title":"Clip","object_key":"videos/abc123/clip.mp4"}`))
	f.objects.put("videos/abc123/clip.m4a", []byte("audio"))
	f.objects.put("videos/abc123/clip.mp4", []byte("video"))

	created, err := f.svc.Submit(context.Background(), TranscriptionRequest{VideoID: "abc123", Language: "EN"})
	require.NoError(t, err)
	require.Equal(t, task.KindTranscription, created.Kind)

	got, result := f.result(t, created.ID)
	require.Equal(t, task.StatusCompleted, got.Status, "error: %+v", got.Error)
	require.Equal(t, 1.0, got.Progress)
	require.Equal(t, "abc123", result.TranscriptionID)
	require.Equal(t, "en", result.Language)
	require.Equal(t, 2, result.Segments)
	require.Contains(t, result.JSONURL, "transcriptions/abc123/transcription.json")
	require.Contains(t, result.SRTURL, "transcriptions/abc123/transcription.srt")
	require.Contains(t, result.VTTURL, "transcriptions/abc123/transcription.vtt")
	require.Equal(t, "videos/abc123/clip.mp4", result.Files.Media)

	require.Len(t, f.extractor.inputs, 1)
	require.Equal(t, "clip.mp4", filepath.Base(f.extractor.inputs[0]))
	require.Empty(t, f.dl.calls())

	calls := f.engine.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "/models/ggml-medium.bin", calls[0].ModelPath)
	require.Equal(t, "en", calls[0].Language)
	require.Equal(t, 4, calls[0].Threads)
	require.Equal(t, 5, calls[0].BeamSize)
	require.Equal(t, []string{"medium"}, f.models.refs)

	srt, err := f.objects.ReadObject(context.Background(), "transcriptions/abc123/transcription.srt")
	require.NoError(t, err)
	require.Contains(t, string(srt), "00:00:00,000 --> 00:00:01,500\nHello there")
	vtt, err := f.objects.ReadObject(context.Background(), "transcriptions/abc123/transcription.vtt")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(vtt), "WEBVTT"))

	requireEmptyDir(t, f.workDir)
}

func TestTranscriptionFromURLPersistsMedia(t *testing.T) {
	t.Parallel()

	f := newTranscriptionFixture(t, syncQueue{})
	created, err := f.svc.Submit(context.Background(), TranscriptionRequest{URL: "https://example.com/watch?v=remote1", Model: "small", PersistMedia: true})
	require.NoError(t, err)

	got, result := f.result(t, created.ID)
	require.Equal(t, task.StatusCompleted, got.Status, "error: %+v", got.Error)
	require.Equal(t, "remote1", result.TranscriptionID)
	require.Equal(t, "videos/remote1/Remote.mp3", result.Files.Media)

	calls := f.dl.calls()
	require.Len(t, calls, 1)
	require.True(t, calls[0].AudioOnly)
	require.Equal(t, []string{"small"}, f.models.refs)

	keys := f.objects.keys()
	require.Contains(t, keys, "videos/remote1/Remote.mp3")
	require.Contains(t, keys, "videos/remote1/metadata.json")
	require.Contains(t, keys, "transcriptions/remote1/transcription.json")
	requireEmptyDir(t, f.workDir)
}

func TestTranscriptionFromURLWithoutPersisting(t *testing.T) {
	t.Parallel()

	f := newTranscriptionFixture(t, syncQueue{})
	created, err := f.svc.Submit(context.Background(), TranscriptionRequest{URL: "https://example.com/watch?v=remote1"})
	require.NoError(t, err)

	got, result := f.result(t, created.ID)
	require.Equal(t, task.StatusCompleted, got.Status)
	require.Empty(t, result.Files.Media)
	for _, key := range f.objects.keys() {
		require.True(t, strings.HasPrefix(key, "transcriptions/"), key)
	}
}

func TestTranscriptionSilentAudioSkipsEngine(t *testing.T) {
	t.Parallel()

	f := newTranscriptionFixture(t, syncQueue{})
	f.extractor.samples = make([]int16, 1600)
	f.objects.put("videos/quiet/quiet.wav", []byte("wav"))

	created, err := f.svc.Submit(context.Background(), TranscriptionRequest{VideoID: "quiet", Language: "de"})
	require.NoError(t, err)

	got, result := f.result(t, created.ID)
	require.Equal(t, task.StatusCompleted, got.Status)
	require.Equal(t, "de", result.Language)
	require.Equal(t, 0, result.Segments)
	require.Empty(t, f.engine.calls())
	require.Empty(t, f.models.refs)

	raw, err := f.objects.ReadObject(context.Background(), "transcriptions/quiet/transcription.json")
	require.NoError(t, err)
	var tr transcript.Transcript
	require.NoError(t, json.Unmarshal(raw, &tr))
	require.Empty(t, tr.Text)
	require.Empty(t, tr.Segments)
}

func TestTranscriptionHostedEngineSkipsModel(t *testing.T) {
	t.Parallel()

	f := newTranscriptionFixture(t, syncQueue{})
	f.engine.needsModel = false
	f.objects.put("videos/v/v.mp4", []byte("x"))

	created, err := f.svc.Submit(context.Background(), TranscriptionRequest{VideoID: "v"})
	require.NoError(t, err)

	got, _ := f.result(t, created.ID)
	require.Equal(t, task.StatusCompleted, got.Status)
	require.Empty(t, f.models.refs)
	require.Empty(t, f.engine.calls()[0].ModelPath)
	require.Equal(t, "auto", f.engine.calls()[0].Language)
}

func TestTranscriptionFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		setup    func(f *transcriptionFixture)
		req      TranscriptionRequest
		code     string
		progress float64
	}{
		{
			name:     "unknown video",
			setup:    func(*transcriptionFixture) {},
			req:      TranscriptionRequest{VideoID: "missing"},
			code:     task.CodeTranscription,
			progress: 0.1,
		},
		{
			name:     "url download fails",
			setup:    func(f *transcriptionFixture) { f.dl.err = errBoom },
			req:      TranscriptionRequest{URL: "https://example.com/v"},
			code:     task.CodeDownload,
			progress: 0.1,
		},
		{
			name: "extraction fails",
			setup: func(f *transcriptionFixture) {
				f.objects.put("videos/v/v.mp4", []byte("x"))
				f.extractor.err = errBoom
			},
			req:      TranscriptionRequest{VideoID: "v"},
			code:     task.CodeTranscription,
			progress: 0.3,
		},
		{
			name: "model unavailable",
			setup: func(f *transcriptionFixture) {
				f.objects.put("videos/v/v.mp4", []byte("x"))
				f.models.err = errBoom
			},
			req:      TranscriptionRequest{VideoID: "v"},
			code:     task.CodeTranscription,
			progress: 0.3,
		},
		{
			name: "engine fails",
			setup: func(f *transcriptionFixture) {
				f.objects.put("videos/v/v.mp4", []byte("x"))
				f.engine.err = errBoom
			},
			req:      TranscriptionRequest{VideoID: "v"},
			code:     task.CodeTranscription,
			progress: 0.4,
		},
		{
			name: "upload fails",
			setup: func(f *transcriptionFixture) {
				f.objects.put("videos/v/v.mp4", []byte("x"))
				f.objects.uploadErr = errBoom
			},
			req:      TranscriptionRequest{VideoID: "v"},
			code:     task.CodeStorage,
			progress: 0.9,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newTranscriptionFixture(t, syncQueue{})
			tc.setup(f)

			created, err := f.svc.Submit(context.Background(), tc.req)
			require.NoError(t, err)

			got, _ := f.result(t, created.ID)
			require.Equal(t, task.StatusFailed, got.Status)
			require.Equal(t, tc.code, got.Error.Code)
			require.InDelta(t, tc.progress, got.Progress, 1e-9)
			requireEmptyDir(t, f.workDir)
		})
	}
}

func TestTranscriptionQueueFull(t *testing.T) {
	t.Parallel()

	f := newTranscriptionFixture(t, rejectingQueue{err: worker.ErrQueueFull})
	created, err := f.svc.Submit(context.Background(), TranscriptionRequest{VideoID: "v"})
	require.ErrorIs(t, err, worker.ErrQueueFull)

	got, _ := f.result(t, created.ID)
	require.Equal(t, task.StatusFailed, got.Status)
	require.Equal(t, task.CodeQueueFull, got.Error.Code)
}

func TestTranscriptionGet(t *testing.T) {
	t.Parallel()

	f := newTranscriptionFixture(t, syncQueue{})
	_, err := f.svc.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrTranscriptionNotFound)

	f.objects.put("transcriptions/t1/transcription.json", []byte(`{"text":"hi","segments":[{"id":0,"start":0,"end":1,"text":"hi"}],"language":"pt"}`))
	got, err := f.svc.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, "t1", got.TranscriptionID)
	require.Equal(t, "pt", got.Language)
	require.Equal(t, 1, got.Segments)
	require.Contains(t, got.SRTURL, "transcriptions/t1/transcription.srt")
	require.Nil(t, got.Files)
}

func TestTranscriptionLanguage(t *testing.T) {
	t.Parallel()

	f := newTranscriptionFixture(t, syncQueue{})
	require.Equal(t, "auto", f.svc.Language(""))
	require.Equal(t, "pt", f.svc.Language(" PT "))
}

func TestTranscriptionPanicFailsTask(t *testing.T) {
	t.Parallel()

	pool := worker.NewPool(worker.Options{Workers: 1, QueueSize: 1})
	f := newTranscriptionFixture(t, pool)
	f.dl.panics = "extractor blew up"

	created, err := f.svc.Submit(context.Background(), TranscriptionRequest{URL: "https://example.com/watch?v=remote1"})
	require.NoError(t, err)
	require.NoError(t, pool.Shutdown(context.Background()))

	got, _ := f.result(t, created.ID)
	require.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	require.Equal(t, task.CodeUnexpected, got.Error.Code)
	require.Empty(t, f.engine.calls())
}
