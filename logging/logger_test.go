package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNew_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	cfg := DefaultConfig()
	cfg.Level = "debug"
	cfg.OutputPath = path
	cfg.NodeID = "node-2"

	logger, err := New(cfg)
	require.NoError(t, err)
	logger.Named("dbft").Debug("sending pre-commit")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "sending pre-commit", entry["message"])
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "dbft", entry["logger"])
	assert.Equal(t, "node-2", entry["node_id"])
}

func TestNew_LevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	logger, err := New(Config{Level: "warn", OutputPath: path})
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}
