package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrimSegmentText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"surrounding whitespace", "  hello world \n", "hello world"},
		{"only whitespace", "   \t", ""},
		{"over limit", strings.Repeat("a", MaxSegmentText+50), strings.Repeat("a", MaxSegmentText)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, TrimSegmentText(tt.in))
		})
	}
}

func TestCanStart(t *testing.T) {
	require.True(t, StatusIdle.CanStart())
	require.True(t, StatusError.CanStart())
	require.False(t, StatusStarting.CanStart())
	require.False(t, StatusRecording.CanStart())
	require.False(t, StatusStopping.CanStart())
}
