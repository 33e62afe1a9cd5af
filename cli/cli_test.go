package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gim/config"
	"gim/db"
	"gim/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Port:            0,
		DBDriver:        config.DriverSQLite,
		DBPath:          filepath.Join(dir, "gim.db"),
		WriteTimeout:    time.Second,
		RetryAttempts:   1,
		RetryDelay:      10 * time.Millisecond,
		ShutdownTimeout: time.Second,
		MaxConnections:  8,
		NotifyWorkers:   1,
		NotifyQueue:     16,
		ControlSocket:   filepath.Join(dir, "gim.sock"),
	}
}

func TestServeStopsOnControlShutdown(t *testing.T) {
	cfg := testConfig(t)

	done := make(chan error, 1)
	go func() { done <- runServe(context.Background(), cfg, discard()) }()

	var stats string
	require.Eventually(t, func() bool {
		var err error
		stats, err = server.SendControl(cfg.ControlSocket, "stats")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "connections=0,users=", stats)

	reply, err := server.SendControl(cfg.ControlSocket, "shutdown")
	require.NoError(t, err)
	assert.Equal(t, "Shutting down", reply)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServeBadgerDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.DBDriver = config.DriverBadger
	cfg.DBPath = filepath.Join(t.TempDir(), "badger")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, discard()) }()

	require.Eventually(t, func() bool {
		_, err := server.SendControl(cfg.ControlSocket, "stats")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func startServer(t *testing.T) string {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	srv, err := server.New(database, &server.ServerConfig{
		WriteTimeout:    time.Second,
		RetryAttempts:   1,
		ShutdownTimeout: time.Second,
		MaxConnections:  8,
		NotifyWorkers:   1,
		NotifyQueue:     16,
	}, discard())
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		database.Close()
	})
	return l.Addr().String()
}

func TestChatSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server = startServer(t)

	script := strings.Join([]string{
		"/contacts",
		"/signup alice",
		"secret",
		"/contacts",
		"/msg alice note to self",
		"/history alice",
		"/frobnicate",
		"/logout",
		"/quit",
		"/help",
	}, "\n") + "\n"

	var out bytes.Buffer
	s := newChatSession(&app{cfg: cfg, log: discard()}, strings.NewReader(script), &out)
	s.prompt = func(string) (string, error) {
		require.True(t, s.lines.Scan())
		return s.lines.Text(), nil
	}
	require.NoError(t, s.run(context.Background()))
	s.close()

	got := out.String()
	assert.Contains(t, got, "error: not logged in")
	assert.Contains(t, got, "Logged in as alice.")
	assert.Contains(t, got, "alice> note to self")
	assert.Contains(t, got, `error: unknown command "/frobnicate"`)
	assert.Contains(t, got, "Logged out.")
	assert.NotContains(t, got, "Commands:")
}
