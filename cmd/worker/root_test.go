package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetFlags(t *testing.T) {
	t.Helper()
	configFlag, urlFlag, handlerFlag = "", "", "echo"
	queueFlags = nil
	heartbeatFlag, prefetchFlag = 0, 0
}

func TestHandlerFor(t *testing.T) {
	var got []byte
	reply := func(p []byte) { got = p }

	h, err := handlerFor("echo")
	require.NoError(t, err)
	h([]byte("abc"), reply)
	assert.Equal(t, []byte("abc"), got)

	h, err = handlerFor("upper")
	require.NoError(t, err)
	h([]byte("abc"), reply)
	assert.Equal(t, []byte("ABC"), got)

	h, err = handlerFor("discard")
	require.NoError(t, err)
	h([]byte("abc"), reply)
	assert.Empty(t, got)

	_, err = handlerFor("nope")
	assert.Error(t, err)
}

func TestLoadConfigFlags(t *testing.T) {
	resetFlags(t)
	_, err := loadConfig()
	assert.ErrorContains(t, err, "no queues")

	urlFlag = "amqp://svc:pw@broker:5673/jobs"
	queueFlags = []string{"a", "b"}
	heartbeatFlag = 30
	fc, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "broker", fc.Connection.Host)
	assert.EqualValues(t, 30, fc.Connection.Heartbeat)
	require.Len(t, fc.Queues, 2)
	assert.NotNil(t, fc.Queues[1].Handler)
}

func TestLoadConfigFileAndURL(t *testing.T) {
	resetFlags(t)
	path := filepath.Join(t.TempDir(), "w.yaml")
	require.NoError(t, os.WriteFile(path, []byte("connection:\n  host: file-host\n  prefetch: 8\nqueues:\n  - name: jobs\n"), 0o600))
	configFlag = path
	urlFlag = "amqp://other:5672/"
	fc, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "other", fc.Connection.Host)
	assert.EqualValues(t, 8, fc.Connection.Prefetch)
	require.Len(t, fc.Queues, 1)
	assert.Equal(t, "jobs", fc.Queues[0].Name)
}

func TestReleaseSignalsStopsOnFirstSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := 0
	done := releaseSignals(ctx, func() { stopped++ }, zerolog.Nop())

	select {
	case <-done:
		t.Fatal("released before the context was cancelled")
	default:
	}
	cancel()
	<-done
	assert.Equal(t, 1, stopped)
}
