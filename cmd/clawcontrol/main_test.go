// ABOUTME: Tests for the clawcontrol command helpers
// ABOUTME: Config path resolution, health URL, logger output, init and offline reset

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clawcontrol/internal/config"
	"github.com/2389/clawcontrol/internal/store"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("CLAWCONTROL_CONFIG", "/etc/claw.yaml")
	assert.Equal(t, "/etc/claw.yaml", getConfigPath())

	t.Setenv("CLAWCONTROL_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "clawcontrol", "config.yaml"), getConfigPath())
}

func TestGetDataPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data-home")
	assert.Equal(t, filepath.Join("/data-home", "clawcontrol"), getDataPath())
}

func TestHealthURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:7000/health", healthURL("0.0.0.0:7000"))
	assert.Equal(t, "http://127.0.0.1:7000/health", healthURL(":7000"))
	assert.Equal(t, "http://[::1]:7000/health", healthURL("[::1]:7000"))
	assert.Equal(t, "http://dash.local:8080/health", healthURL("dash.local:8080"))
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn"}, &buf)

	logger.Info("hidden")
	logger.With("component", "gateway").Warn("upstream dropped", "url", "ws://gw")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WRN upstream dropped component=gateway url=ws://gw")
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.Debug("tick", "n", 1)
	assert.Contains(t, buf.String(), `"msg":"tick"`)
	assert.Contains(t, buf.String(), `"n":1`)
}

func TestRunInit_WritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	dbPath := filepath.Join(dir, "data", "claw.db")

	answers := strings.Join([]string{
		cfgPath,
		"127.0.0.1:7100",
		dbPath,
		dir,
		"ws://gw.internal:18789",
		"gw-secret",
		"no",
		"debug",
		"json",
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(answers), &out))
	assert.DirExists(t, filepath.Dir(dbPath))

	cfg, err := config.Load(cfgPath, false)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7100", cfg.Server.HTTPAddr)
	assert.Equal(t, dbPath, cfg.Database.Path)
	assert.Equal(t, "gw-secret", cfg.Gateway.Token)
	assert.Equal(t, "json", cfg.Logging.Format)

	// A second run never overwrites
	err = runInit(strings.NewReader(answers), &out)
	assert.ErrorContains(t, err, "already exists")
}

func TestRunReset_RequiresConfirmation(t *testing.T) {
	err := runReset(context.Background(), nil)
	assert.ErrorContains(t, err, "--yes")

	err = runReset(context.Background(), []string{"--force"})
	assert.ErrorContains(t, err, "unknown flag")
}

func TestResetData_KeepsAuditLog(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "claw.db")

	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.CreateCredentials(ctx, &store.Credentials{
		Username:     "operator",
		PasswordHash: []byte("hash"),
		PasswordSalt: []byte("salt"),
	}))
	require.NoError(t, st.AppendEvent(ctx, &store.Event{Type: "X"}))
	require.NoError(t, st.AppendAuditLog(ctx, &store.AuditEntry{Action: store.AuditRegister, Actor: "operator"}))
	require.NoError(t, st.Close())

	var out bytes.Buffer
	require.NoError(t, resetData(ctx, dbPath, &out))
	assert.Contains(t, out.String(), "Operator account removed")

	st, err = store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer st.Close()

	_, err = st.GetCredentials(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
	events, err := st.ListRecentEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
	audit, err := st.ListAuditLog(ctx, store.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}
