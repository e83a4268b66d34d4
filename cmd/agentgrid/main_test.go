package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgrid/internal/adapter/eventlog"
	"agentgrid/internal/domain"
	"agentgrid/internal/infra/config"
	"agentgrid/internal/usecase/agent"
	"agentgrid/internal/usecase/agents/echo"
	"agentgrid/internal/usecase/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		args     []string
		wantCmd  string
		wantRest []string
	}{
		{nil, "", nil},
		{[]string{"--config", "c.yaml"}, "", []string{"--config", "c.yaml"}},
		{[]string{"--config", "c.yaml", "replay", "echo/e1"}, "replay", []string{"--config", "c.yaml", "echo/e1"}},
		{[]string{"replay", "echo/e1", "--config=c.yaml"}, "replay", []string{"echo/e1", "--config=c.yaml"}},
		{[]string{"-h"}, "-h", nil},
	}
	for _, tt := range tests {
		cmd, rest := splitCommand(tt.args)
		assert.Equal(t, tt.wantCmd, cmd, "args %v", tt.args)
		assert.Equal(t, tt.wantRest, rest, "args %v", tt.args)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("AGENTGRID_CONFIG", "")
	assert.Equal(t, "config.yaml", configPath(nil))
	assert.Equal(t, "a.yaml", configPath([]string{"--config", "a.yaml"}))
	assert.Equal(t, "b.yaml", configPath([]string{"--config=b.yaml"}))

	t.Setenv("AGENTGRID_CONFIG", "env.yaml")
	assert.Equal(t, "env.yaml", configPath(nil))
}

func TestPositional(t *testing.T) {
	assert.Equal(t, []string{"echo/e1"}, positional([]string{"--config", "c.yaml", "echo/e1"}))
	assert.Equal(t, []string{"echo/e1"}, positional([]string{"echo/e1", "--config=c.yaml"}))
}

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"--help"}, &out))
	assert.Contains(t, out.String(), "replay AGENT_ID")
}

func TestUnknownCommand(t *testing.T) {
	err := run([]string{"frobnicate"}, io.Discard)
	assert.ErrorContains(t, err, "unknown command")
}

func TestEncryptCommand(t *testing.T) {
	t.Setenv("AGENTGRID_CONFIG_KEY", "pass")
	var out bytes.Buffer
	require.NoError(t, run([]string{"encrypt", "tok-1"}, &out))

	line := strings.TrimSpace(out.String())
	require.True(t, strings.HasPrefix(line, "enc:"), line)
	plain, err := config.DecryptValue(strings.TrimPrefix(line, "enc:"), "pass")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", plain)
}

func TestEncryptRequiresKey(t *testing.T) {
	t.Setenv("AGENTGRID_CONFIG_KEY", "")
	assert.Error(t, run([]string{"encrypt", "tok-1"}, io.Discard))
	assert.Error(t, runEncrypt(nil, io.Discard))
}

func TestInitStoreMemory(t *testing.T) {
	store, closer, err := initStore(config.EventLogConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.NoError(t, closer())
	assert.IsType(t, &eventlog.MemoryStore{}, store)

	_, _, err = initStore(config.EventLogConfig{Driver: "bogus"})
	assert.Error(t, err)
}

func seedEcho(t *testing.T, store domain.EventLogStore) {
	t.Helper()
	ctx := context.Background()
	bus := eventbus.New(testLogger())
	defer bus.Close()
	svc := agent.NewServices(bus, store, agent.Config{}, testLogger(), nil)
	defer svc.Runtime.Close(ctx)

	require.NoError(t, echo.Register(svc))
	require.NoError(t, echo.Create(ctx, svc, "e1", "first"))
	require.NoError(t, echo.Create(ctx, svc, "e1", "second"))
	require.NoError(t, svc.Graph.Register(ctx, echo.AgentID("root"), echo.AgentID("e1")))
}

func TestReplayPrintsLineageAndVersion(t *testing.T) {
	store := eventlog.NewMemoryStore()
	seedEcho(t, store)

	var out bytes.Buffer
	require.NoError(t, replay(context.Background(), store, echo.AgentID("e1"), 100, testLogger(), &out))

	s := out.String()
	assert.Contains(t, s, "agent:    echo/e1")
	assert.Contains(t, s, "version:  3")
	assert.Contains(t, s, "parent:   echo/root")
	assert.Contains(t, s, "children: -")
	assert.Contains(t, s, "echo.renamed")
	assert.Contains(t, s, domain.KindParentSet)
}

func TestReplayUnknownAgent(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, replay(context.Background(), eventlog.NewMemoryStore(), "ghost/g1", 100, testLogger(), &out))
	assert.Equal(t, "ghost/g1: no events recorded\n", out.String())
}

func TestReplayCommandReadsSQLite(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data", "events.db")

	store, closer, err := initStore(config.EventLogConfig{Driver: "sqlite", Path: dbPath})
	require.NoError(t, err)
	seedEcho(t, store)
	require.NoError(t, closer())

	cfgPath := filepath.Join(dir, "config.yaml")
	content := "eventlog:\n  driver: sqlite\n  path: " + dbPath + "\nlogger:\n  output: " + filepath.Join(dir, "agentgrid.log") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	var out bytes.Buffer
	require.NoError(t, run([]string{"replay", "echo/root", "--config", cfgPath}, &out))
	assert.Contains(t, out.String(), "children: echo/e1")
}

func TestReplayRejectsBadID(t *testing.T) {
	assert.ErrorIs(t, run([]string{"replay", "no-slash"}, io.Discard), domain.ErrInvalidInput)
}
