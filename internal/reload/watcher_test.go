package reload

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/coupler/config"
)

func TestWatcherTracksRootAndConnectorSources(t *testing.T) {
	dir := t.TempDir()
	rootFile := filepath.Join(dir, "coupler.yaml")
	pressFile := filepath.Join(dir, "press.yaml")
	writeFile(t, rootFile, "root")
	writeFile(t, pressFile, "press")

	cfg := &config.Config{
		Source: config.ModuleReference{File: rootFile},
		Connectors: []config.ConnectorConfig{
			{ID: "press", Source: config.ModuleReference{File: pressFile}},
			{ID: "oven", Source: config.ModuleReference{File: rootFile}},
			{ID: "inline"},
			{ID: "gone", Source: config.ModuleReference{File: filepath.Join(dir, "missing.yaml")}},
		},
	}

	w := NewWatcher(rootFile, cfg)
	assert.Equal(t, []string{rootFile, pressFile}, w.Files())
	assert.True(t, w.Check().Empty())
}

func TestWatcherReportsConnectorsOfChangedFiles(t *testing.T) {
	dir := t.TempDir()
	rootFile := filepath.Join(dir, "coupler.yaml")
	lineFile := filepath.Join(dir, "line.yaml")
	ovenFile := filepath.Join(dir, "oven.yaml")
	writeFile(t, rootFile, "root")
	writeFile(t, lineFile, "line")
	writeFile(t, ovenFile, "oven")

	cfg := &config.Config{
		Source: config.ModuleReference{File: rootFile},
		Connectors: []config.ConnectorConfig{
			{ID: "press", Source: config.ModuleReference{File: lineFile}},
			{ID: "oven", Source: config.ModuleReference{File: ovenFile}},
			{ID: "saw", Source: config.ModuleReference{File: lineFile}},
		},
	}
	w := NewWatcher(rootFile, cfg)

	time.Sleep(10 * time.Millisecond)
	writeFile(t, lineFile, "line-UPDATED")
	change := w.Check()
	assert.Equal(t, []string{lineFile}, change.Files)
	assert.Equal(t, []string{"press", "saw"}, change.Connectors)
	assert.False(t, change.Root)

	require.NoError(t, os.Remove(ovenFile))
	writeFile(t, rootFile, "root-UPDATED")
	change = w.Check()
	assert.Equal(t, []string{rootFile, lineFile, ovenFile}, change.Files)
	assert.Equal(t, []string{"oven", "press", "saw"}, change.Connectors)
	assert.True(t, change.Root)

	w.Update(rootFile, cfg)
	assert.True(t, w.Check().Empty())
	assert.Equal(t, []string{rootFile, lineFile}, w.Files())
}

func TestWatcherHandlesNilReceiver(t *testing.T) {
	var w *Watcher
	w.Update("", &config.Config{})
	assert.True(t, w.Check().Empty())
	assert.Nil(t, w.Files())
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}
