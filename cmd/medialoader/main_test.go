package main

import (
	"errors"
	"testing"

	"github.com/fmueller/medialoader/internal/cli"
	"github.com/stretchr/testify/require"
)

func TestShouldPrintUsageHint(t *testing.T) {
	t.Parallel()

	require.True(t, shouldPrintUsageHint(errors.New("unknown command \"bad\" for \"medialoader\"")))
	require.True(t, shouldPrintUsageHint(errors.New("unknown flag: --oops")))
	require.True(t, shouldPrintUsageHint(errors.New("accepts 1 arg(s), received 0")))
	require.False(t, shouldPrintUsageHint(errors.New("prepare bucket media: context deadline exceeded")))
	require.False(t, shouldPrintUsageHint(errors.New(`parse configuration: required environment variable "API_KEY" is not set`)))
	require.False(t, shouldPrintUsageHint(nil))
}

func TestHelpHintTarget(t *testing.T) {
	t.Parallel()

	root := cli.NewRootCmd()
	require.Equal(t, "medialoader", helpHintTarget(root, []string{"--badflag"}))
	require.Equal(t, "medialoader", helpHintTarget(root, []string{"badcmd"}))
	require.Equal(t, "medialoader transcribe", helpHintTarget(root, []string{"transcribe"}))
	require.Equal(t, "medialoader transcribe", helpHintTarget(root, []string{"transcribe", "--format", "srt"}))
	require.Equal(t, "medialoader serve", helpHintTarget(root, []string{"serve", "--addr", ":9000"}))
	require.Equal(t, "medialoader", helpHintTarget(nil, nil))
}
