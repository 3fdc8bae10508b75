package xmlcfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleXML = `<modules></modules>`

func TestFileLoader_LoadParsesWellFormedXML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.xml")
	require.NoError(t, os.WriteFile(path, []byte(sampleXML), 0o644))

	loader := NewFileLoader()
	cfg, err := loader.Load(path)
	require.NoError(t, err)
	assert.Equal(t, sampleXML, string(cfg.Raw))
}

func TestFileLoader_LoadRejectsMalformedXML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.xml")
	require.NoError(t, os.WriteFile(path, []byte("<modules>"), 0o644))

	loader := NewFileLoader()
	_, err := loader.Load(path)
	assert.Error(t, err)
}

func TestFileLoader_LoadMissingFile(t *testing.T) {
	loader := NewFileLoader()
	_, err := loader.Load(filepath.Join(t.TempDir(), "missing.xml"))
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.xml")
	require.NoError(t, os.WriteFile(path, []byte(sampleXML), 0o644))

	reloaded := make(chan ModuleConfig, 4)
	w, err := NewWatcher(NewFileLoader(), path, func(cfg ModuleConfig) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(sampleXML), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, sampleXML, string(cfg.Raw))
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.xml")
	require.NoError(t, os.WriteFile(path, []byte(sampleXML), 0o644))

	reloaded := make(chan ModuleConfig, 4)
	w, err := NewWatcher(NewFileLoader(), path, func(cfg ModuleConfig) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.xml"), []byte(sampleXML), 0o644))

	select {
	case <-reloaded:
		t.Fatal("reload fired for an unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_CloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.xml")
	require.NoError(t, os.WriteFile(path, []byte(sampleXML), 0o644))

	w, err := NewWatcher(NewFileLoader(), path, nil)
	require.NoError(t, err)
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}
