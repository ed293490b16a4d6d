package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		env       string
		wantDebug bool
	}{
		{name: "production logs info and above", env: "production", wantDebug: false},
		{name: "development logs debug", env: "development", wantDebug: true},
		{name: "unknown env defaults to development", env: "", wantDebug: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.env)
			assert.NotNil(t, logger)
			assert.Equal(t, tt.wantDebug, logger.Enabled(context.Background(), -4))
		})
	}
}

func TestNewNopLogger(t *testing.T) {
	logger := NewNopLogger()
	assert.NotNil(t, logger)
	// Must not panic when used.
	logger.Info("discarded")
}
