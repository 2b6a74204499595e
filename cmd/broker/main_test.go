package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRun_MissingConfig(t *testing.T) {
	err := run(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "加载配置失败")
}

func TestRun_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: chatty\n")

	err := run(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "初始化日志失败")
}

func TestRun_StopsCleanlyWhenContextEnds(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: "127.0.0.1:0"
database:
  in_memory: true
logging:
  level: error
`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, path) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run 未在 ctx 结束后返回")
	}
}
