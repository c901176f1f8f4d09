package main

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/routesync/internal/models"
	"github.com/kimhsiao/routesync/internal/sync/conflict"
)

// scriptedReader replays fixed answers, then reports EOF.
type scriptedReader struct {
	lines   []string
	prompts []string
}

func (r *scriptedReader) SetPrompt(p string) { r.prompts = append(r.prompts, p) }

func (r *scriptedReader) Readline() (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func sampleConflict() *models.Conflict {
	return &models.Conflict{
		ID:            "c-1",
		EntityType:    models.EntityDelivery,
		EntityKey:     "10:5",
		LocalVersion:  models.VersionSnapshot{Payload: []byte(`{"is_delivered":true}`), Timestamp: 1000},
		ServerVersion: models.VersionSnapshot{Payload: []byte(`{"is_delivered":false}`), Timestamp: 2000},
	}
}

// =====================================================
// Presenter Tests
// =====================================================

func TestPromptPresenter(t *testing.T) {
	tests := []struct {
		name    string
		lines   []string
		want    models.Resolution
		wantErr error
	}{
		{"local", []string{"l"}, models.ResolutionLocal, nil},
		{"server after a typo", []string{"x", " Server "}, models.ResolutionServer, nil},
		{"quit defers", []string{"q"}, models.ResolutionNone, conflict.ErrDeferred},
		{"eof defers", nil, models.ResolutionNone, conflict.ErrDeferred},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			rl := &scriptedReader{lines: tt.lines}
			got, err := newPromptPresenter(rl, &out).Present(context.Background(), sampleConflict(), 2)

			assert.Equal(t, tt.want, got)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Contains(t, out.String(), "delivery 10:5 (2 remaining)")
			assert.Contains(t, out.String(), `"is_delivered": false`)
		})
	}
}

func TestPromptPresenter_cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newPromptPresenter(&scriptedReader{lines: []string{"l"}}, io.Discard).Present(ctx, sampleConflict(), 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseID(t *testing.T) {
	id, err := parseID("42", "route-id")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "0", "-3", "x"} {
		_, err := parseID(bad, "route-id")
		assert.Error(t, err, bad)
	}
}

func TestRootCommand_registersSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "agent", "deliver", "route", "message", "sync", "queue", "conflicts", "status"} {
		assert.True(t, names[want], want)
	}
}
