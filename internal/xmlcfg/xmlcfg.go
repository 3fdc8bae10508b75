// Package xmlcfg names the XML-driven module configuration collaborator
// interface. Per §1's scope, parsing and applying an XML module
// configuration is out of scope for the networking fabric core; this
// package only defines the Loader contract and a hot-reload watcher,
// grounded on the CirtusX example's fsnotify-based config watcher
// (internal/config/watcher.go in that pack), since the teacher repo
// has no file-watching collaborator of its own.
package xmlcfg

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/dqm4hep/netfabric/internal/logger"
)

// ModuleConfig is the out-of-scope module tree an XML configuration
// file describes. The fabric never interprets Settings; it only
// carries the parsed document to whatever collaborator consumes it.
type ModuleConfig struct {
	XMLName  xml.Name          `xml:"modules"`
	Settings map[string]string `xml:"-"`
	Raw      []byte            `xml:"-"`
}

// Loader is the named collaborator interface an XML configuration
// reader satisfies.
type Loader interface {
	Load(path string) (ModuleConfig, error)
}

type fileLoader struct{}

// NewFileLoader returns a Loader that reads and parses a file from
// disk. The XML schema itself is out of scope; this only guarantees
// well-formedness and exposes the raw bytes.
func NewFileLoader() Loader {
	return fileLoader{}
}

func (fileLoader) Load(path string) (ModuleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ModuleConfig{}, fmt.Errorf("reading module config %s: %w", path, err)
	}

	var cfg ModuleConfig
	if err := xml.Unmarshal(data, &cfg); err != nil {
		return ModuleConfig{}, fmt.Errorf("parsing module config %s: %w", path, err)
	}
	cfg.Raw = data
	return cfg, nil
}

// Watcher reloads a ModuleConfig whenever its file changes on disk,
// dispatching to OnReload. It runs a background goroutine until Close.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher watches path's containing directory and calls loader.Load
// then onReload whenever path itself is written or created.
func NewWatcher(loader Loader, path string, onReload func(ModuleConfig)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{fsWatcher: fw, done: make(chan struct{})}
	target := filepath.Base(path)

	go w.run(loader, path, target, onReload)
	return w, nil
}

func (w *Watcher) run(loader Loader, path, target string, onReload func(ModuleConfig)) {
	log := logger.XMLConfig()
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != target {
				continue
			}

			cfg, err := loader.Load(path)
			if err != nil {
				log.Error().Err(err).Str("path", path).Msg("module config reload failed")
				continue
			}
			log.Info().Str("path", path).Msg("module config reloaded")
			if onReload != nil {
				onReload(cfg)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("module config watcher error")

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
