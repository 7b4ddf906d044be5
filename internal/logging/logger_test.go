package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestGlobalLoggerIsUsedByCtx(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { SetGlobalLogger(prev) })

	var buf bytes.Buffer
	SetGlobalLogger(zerolog.New(&buf))
	Ctx(context.Background()).Info().Str("path", "person.cat").Msg("zip")
	require.Contains(t, buf.String(), `"path":"person.cat"`)
}

func TestConsoleLevel(t *testing.T) {
	var buf bytes.Buffer
	l := Console(&buf, "warn")
	l.Info().Msg("hidden")
	l.Warn().Msg("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
}
