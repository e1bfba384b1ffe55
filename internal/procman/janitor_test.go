package procman

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJanitorEmptyScheduleDisabled(t *testing.T) {
	m := newTestManager(t)
	j, err := NewJanitor(m, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestJanitorRejectsBadSchedule(t *testing.T) {
	m := newTestManager(t)
	_, err := NewJanitor(m, "every now and then", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestJanitorSweepsOnSchedule(t *testing.T) {
	m := newTestManager(t)
	stalePath := filepath.Join(m.stateDir, "stale.pid")
	require.NoError(t, os.WriteFile(stalePath, []byte(strconv.Itoa(stalePID)+"\n"), 0o600))

	j, err := NewJanitor(m, "@every 1s", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	j.Start()
	defer j.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(stalePath); os.IsNotExist(err) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("janitor never removed the stale pid file")
}
