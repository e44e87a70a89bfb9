package cli

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/medialoader/internal/config"
)

func TestServeCommandOverridesListenAddr(t *testing.T) {
	t.Parallel()

	var gotFiles []string
	var served config.Config
	app := &appState{
		envFiles: []string{"custom.env"},
		loadConfigFn: func(files ...string) (config.Config, error) {
			gotFiles = files
			return config.Config{ListenAddr: ":8000"}, nil
		},
		serveFn: func(_ context.Context, cfg config.Config) error {
			served = cfg
			return nil
		},
	}

	cmd := newServeCmd(app)
	cmd.SetArgs([]string{"--addr", "127.0.0.1:9999"})
	require.NoError(t, cmd.Execute())
	require.Equal(t, []string{"custom.env"}, gotFiles)
	require.Equal(t, "127.0.0.1:9999", served.ListenAddr)
}

func TestServeCommandKeepsConfiguredAddr(t *testing.T) {
	t.Parallel()

	var served config.Config
	app := &appState{
		loadConfigFn: func(...string) (config.Config, error) {
			return config.Config{ListenAddr: ":8000"}, nil
		},
		serveFn: func(_ context.Context, cfg config.Config) error {
			served = cfg
			return nil
		},
	}

	require.NoError(t, app.runServe(context.Background(), ""))
	require.Equal(t, ":8000", served.ListenAddr)
}

func TestServeCommandDebugEnablesVerboseLogs(t *testing.T) {
	t.Parallel()

	app := &appState{
		loadConfigFn: func(...string) (config.Config, error) {
			return config.Config{Debug: true}, nil
		},
		serveFn: func(context.Context, config.Config) error { return nil },
	}

	require.NoError(t, app.runServe(context.Background(), ""))
	require.True(t, app.verbose)
	require.NotNil(t, app.logger)
}

func TestServeCommandReportsConfigErrors(t *testing.T) {
	t.Parallel()

	served := false
	app := &appState{
		loadConfigFn: func(...string) (config.Config, error) {
			return config.Config{}, errors.New(`parse configuration: required environment variable "API_KEY" is not set`)
		},
		serveFn: func(context.Context, config.Config) error {
			served = true
			return nil
		},
	}

	err := app.runServe(context.Background(), "")
	require.ErrorContains(t, err, "API_KEY")
	require.False(t, served)
}
