package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/medialoader/internal/download"
	"github.com/fmueller/medialoader/internal/transcript"
)

func sampleTranscript() transcript.Transcript {
	return transcript.New([]transcript.Segment{
		{Start: 0, End: 1.5, Text: " hello"},
		{Start: 1.5, End: 3, Text: " world"},
	}, "en")
}

func runTranscribe(t *testing.T, app *appState, args ...string) (string, error) {
	t.Helper()
	out := new(bytes.Buffer)
	cmd := newTranscribeCmd(app)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTranscribeCommandRendersFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format   string
		contains string
	}{
		{format: "text", contains: "hello world\n"},
		{format: "srt", contains: "00:00:00,000 --> 00:00:01,500"},
		{format: "vtt", contains: "WEBVTT"},
		{format: "json", contains: `"language": "en"`},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			t.Parallel()

			app := &appState{
				format: "text",
				transcribeFn: func(_ context.Context, _ string) (transcript.Transcript, error) {
					return sampleTranscript(), nil
				},
			}
			out, err := runTranscribe(t, app, "--format", tt.format, "/tmp/clip.mp4")
			require.NoError(t, err)
			require.Contains(t, out, tt.contains)
		})
	}
}

func TestTranscribeCommandPrintsEmptyTranscript(t *testing.T) {
	t.Parallel()

	var gotPath string
	app := &appState{
		transcribeFn: func(_ context.Context, path string) (transcript.Transcript, error) {
			gotPath = path
			return transcript.Empty("auto"), nil
		},
	}
	out, err := runTranscribe(t, app, "/tmp/silence.wav")
	require.NoError(t, err)
	require.Equal(t, "\n", out)
	require.Equal(t, "/tmp/silence.wav", gotPath)
}

func TestTranscribeCommandReturnsEngineErrors(t *testing.T) {
	t.Parallel()

	app := &appState{
		transcribeFn: func(context.Context, string) (transcript.Transcript, error) {
			return transcript.Transcript{}, errors.New("engine exploded")
		},
	}
	_, err := runTranscribe(t, app, "/tmp/clip.mp4")
	require.EqualError(t, err, "engine exploded")
}

func TestTranscribeFileSkipsSilentAudio(t *testing.T) {
	t.Parallel()

	wav := filepath.Join(t.TempDir(), "silence.wav")
	writeTestWAV(t, wav, make([]int16, 16000))

	app := &appState{
		engine:      "whisper-cpp",
		whisperPath: writeFakeWhisper(t, "exit 1\n"),
		language:    "de",
		silenceGate: true,
		silenceDBFS: -65,
		noProgress:  true,
	}
	tr, err := app.transcribeFile(context.Background(), wav)
	require.NoError(t, err)
	require.True(t, tr.IsEmpty())
	require.Equal(t, "de", tr.Language)
}

func TestTranscribeFileRunsWhisperWithDownloadedModel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	wav := filepath.Join(dir, "speech.wav")
	loud := make([]int16, 16000)
	for i := range loud {
		loud[i] = int16((i%64)*400 - 12800)
	}
	writeTestWAV(t, wav, loud)

	exe := writeFakeWhisper(t, `out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -of) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
cat > "$out.json" <<'JSON'
{"result": {"language": "en"}, "transcription": [{"offsets": {"from": 0, "to": 1200}, "text": " hello there"}]}
JSON
`)

	var fetched []download.Options
	modelDir := filepath.Join(dir, "models")
	app := &appState{
		engine:       "whisper-cpp",
		whisperPath:  exe,
		model:        "tiny",
		modelDir:     modelDir,
		autoDownload: true,
		language:     "auto",
		silenceGate:  true,
		silenceDBFS:  -65,
		noProgress:   true,
		fetchFn: func(_ context.Context, opts download.Options) error {
			fetched = append(fetched, opts)
			return os.WriteFile(opts.Destination, []byte("model"), 0o644)
		},
	}

	tr, err := app.transcribeFile(context.Background(), wav)
	require.NoError(t, err)
	require.Equal(t, "hello there", tr.Text)
	require.Equal(t, "en", tr.Language)
	require.Len(t, fetched, 1)
	require.Equal(t, filepath.Join(modelDir, "ggml-tiny.bin"), fetched[0].Destination)
}

func TestTranscribeFileRequiresHostedEngineKey(t *testing.T) {
	wav := filepath.Join(t.TempDir(), "speech.wav")
	writeTestWAV(t, wav, make([]int16, 100))
	t.Setenv("OPENAI_API_KEY", "")

	app := &appState{engine: "openai"}
	_, err := app.transcribeFile(context.Background(), wav)
	require.ErrorContains(t, err, "OPENAI_API_KEY is required")
}

func TestTranscribeFileRejectsUnknownEngine(t *testing.T) {
	t.Parallel()

	wav := filepath.Join(t.TempDir(), "speech.wav")
	require.NoError(t, os.WriteFile(wav, []byte("RIFF"), 0o644))

	app := &appState{engine: "vosk"}
	_, err := app.transcribeFile(context.Background(), wav)
	require.ErrorContains(t, err, `unknown engine "vosk"`)
}

func writeFakeWhisper(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "whisper-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}
