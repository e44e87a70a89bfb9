package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_KEY":          "secret",
		"MINIO_ENDPOINT":   "minio:9000",
		"MINIO_ACCESS_KEY": "access",
		"MINIO_SECRET_KEY": "secret-key",
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(baseEnv())
	require.NoError(t, err)

	require.Equal(t, "Media Downloader API", cfg.Title)
	require.Equal(t, ":8000", cfg.ListenAddr)
	require.Equal(t, "/app/data", cfg.WorkDir)
	require.Equal(t, "media", cfg.MinIO.Bucket)
	require.False(t, cfg.MinIO.Secure)
	require.Equal(t, EngineWhisperCPP, cfg.Whisper.Engine)
	require.Equal(t, "medium", cfg.Whisper.Model)
	require.Equal(t, "auto", cfg.Whisper.Language)
	require.Equal(t, "/app/data/models", cfg.Whisper.ModelDir)
	require.True(t, cfg.Whisper.AutoDownload)
	require.Equal(t, 24*time.Hour, cfg.URLExpiry())
	require.True(t, cfg.Silence.Enabled)
	require.InDelta(t, -65.0, cfg.Silence.ThresholdDBFS, 1e-9)
	require.Equal(t, 2, cfg.Tasks.Workers)
	require.Equal(t, 100, cfg.Tasks.QueueSize)
	require.Equal(t, StoreMemory, cfg.Tasks.Store)
	require.Equal(t, 24*time.Hour, cfg.Tasks.Retention)
	require.Equal(t, "ffmpeg", cfg.FFmpegPath)
	require.Equal(t, 3, cfg.DownloadRetries)
	require.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestParseReadsOverrides(t *testing.T) {
	t.Parallel()

	environ := baseEnv()
	environ["WORKDIR"] = "/srv/media/"
	environ["MINIO_SECURE"] = "true"
	environ["MINIO_BUCKET"] = "clips"
	environ["WHISPER_LANGUAGE"] = " PT "
	environ["WHISPER_MODEL"] = "large"
	environ["TASK_STORE"] = "SQLite"
	environ["URL_EXPIRATION"] = "2h"
	environ["MAX_CONCURRENT_TASKS"] = "4"

	cfg, err := Parse(environ)
	require.NoError(t, err)
	require.Equal(t, "/srv/media", cfg.WorkDir)
	require.True(t, cfg.MinIO.Secure)
	require.Equal(t, "clips", cfg.MinIO.Bucket)
	require.Equal(t, "pt", cfg.Whisper.Language)
	require.Equal(t, "large", cfg.Whisper.Model)
	require.Equal(t, StoreSQLite, cfg.Tasks.Store)
	require.Equal(t, "/srv/media/tasks.db", cfg.Tasks.DBPath)
	require.Equal(t, 2*time.Hour, cfg.URLExpiry())
	require.Equal(t, 4, cfg.Tasks.Workers)
}

func TestParseRequiresCredentials(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"API_KEY", "MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY"} {
		environ := baseEnv()
		delete(environ, key)

		_, err := Parse(environ)
		require.Error(t, err, key)
		require.Contains(t, err.Error(), key)
	}
}

func TestParseRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	tests := map[string]map[string]string{
		"engine":         {"WHISPER_ENGINE": "vosk"},
		"store":          {"TASK_STORE": "redis"},
		"workers":        {"MAX_CONCURRENT_TASKS": "0"},
		"queue":          {"TASK_QUEUE_SIZE": "0"},
		"expiry":         {"URL_EXPIRATION": "soon"},
		"openai missing": {"WHISPER_ENGINE": "openai"},
	}
	for name, overrides := range tests {
		environ := baseEnv()
		for k, v := range overrides {
			environ[k] = v
		}
		_, err := Parse(environ)
		require.Error(t, err, name)
	}
}

func TestParseExpiry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"", DefaultURLExpiry},
		{"3600", time.Hour},
		{"90m", 90 * time.Minute},
		{"0", DefaultURLExpiry},
		{"-5", DefaultURLExpiry},
		{"30d", 0},
		{"1209600", MaxURLExpiry},
	}
	for _, tt := range tests {
		got, err := ParseExpiry(tt.raw)
		if tt.want == 0 {
			require.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		require.Equal(t, tt.want, got, tt.raw)
	}
}

func TestLoadMergesEnvFilesUnderProcessEnvironment(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(file, []byte(
		"API_KEY=from-file\nMINIO_ENDPOINT=file:9000\nMINIO_ACCESS_KEY=a\nMINIO_SECRET_KEY=b\nMINIO_BUCKET=file-bucket\n",
	), 0o644))

	t.Setenv("MINIO_BUCKET", "env-bucket")

	cfg, err := Load(file, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	require.Equal(t, "file:9000", cfg.MinIO.Endpoint)
	require.Equal(t, "env-bucket", cfg.MinIO.Bucket)
}
