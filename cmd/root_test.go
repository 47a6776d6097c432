package cmd

import (
	"log/slog"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		in        string
		expected  slog.Level
		expectErr bool
	}{
		{in: "DEBUG", expected: slog.LevelDebug},
		{in: "INFO", expected: slog.LevelInfo},
		{in: "WARN", expected: slog.LevelWarn},
		{in: "ERROR", expected: slog.LevelError},
		{in: "info", expected: slog.LevelInfo},
		{in: "bogus", expectErr: true},
	}
	for _, tc := range tests {
		t.Run(
			tc.in, func(t *testing.T) {
				lvl, err := getLogLevel(tc.in)
				if tc.expectErr {
					require.Error(t, err)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.expected, lvl)
			},
		)
	}
}

func TestLevelToStringHookFunc(t *testing.T) {
	hook := LevelToStringHookFunc()

	levelVarType := reflect.TypeOf(&slog.LevelVar{})
	out, err := hook(reflect.TypeOf(""), levelVarType, "WARN")
	require.NoError(t, err)

	lvlVar, ok := out.(*slog.LevelVar)
	require.True(t, ok)
	assert.Equal(t, slog.LevelWarn, lvlVar.Level())
}

func TestLevelToStringHookFuncPassthrough(t *testing.T) {
	hook := LevelToStringHookFunc()

	// Non-level string targets pass through untouched
	out, err := hook(reflect.TypeOf(""), reflect.TypeOf(""), "WARN")
	require.NoError(t, err)
	assert.Equal(t, "WARN", out)

	out, err = hook(reflect.TypeOf(1), reflect.TypeOf(&slog.LevelVar{}), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, out)
}

func TestLevelToStringHookFuncInvalidLevel(t *testing.T) {
	hook := LevelToStringHookFunc()
	_, err := hook(reflect.TypeOf(""), reflect.TypeOf(&slog.LevelVar{}), "LOUD")
	assert.Error(t, err)
}
