package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	t.Setenv("CHAT_HOST", "10.0.0.1")
	t.Setenv("CHAT_PORT", "7000")
	path := writeConfig(t, "server:\n  port: \"6000\"\n")

	cfg, err := loadConfig(options{configPath: path})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:7000", cfg.Addr(), "environment overrides the file")

	cfg, err = loadConfig(options{configPath: path, host: "0.0.0.0", port: "9000"})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr(), "flags override the environment")
}

func TestLoadConfigRejectsBadPort(t *testing.T) {
	_, err := loadConfig(options{configPath: "does-not-exist.yaml", port: "not-a-port"})
	assert.Error(t, err)
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCmd()

	for _, name := range []string{"config", "host", "port"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "config.yaml", cmd.Flags().Lookup("config").DefValue)
}

func TestRootCommandRejectsArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"unexpected"})
	cmd.SetOut(new(discard))
	cmd.SetErr(new(discard))

	assert.Error(t, cmd.Execute())
}

type discard struct{}

func (*discard) Write(p []byte) (int, error) { return len(p), nil }

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	return port
}

func TestRunServesUntilCancelled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Port = freePort(t)
	cfg.Server.WebPort = freePort(t)
	cfg.Logger.Level = "error"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", cfg.Addr())
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestRunFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, port, _ := net.SplitHostPort(ln.Addr().String())

	cfg := config.DefaultConfig()
	cfg.Server.Port = port
	cfg.Storage.SQLitePath = ""
	cfg.Logger.Level = "error"

	assert.Error(t, run(context.Background(), cfg))
}
