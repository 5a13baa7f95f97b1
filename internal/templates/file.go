package templates

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/labstack/gommon/log"
	"github.com/spf13/viper"
)

// LoadFile reads template overrides from a YAML file with the keys text,
// html, subject and fromName.
func LoadFile(path string) (Source, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	src := Source{}
	if err := v.ReadInConfig(); err != nil {
		return src, fmt.Errorf("reading templates file: %w", err)
	}
	if err := v.Unmarshal(&src); err != nil {
		return src, fmt.Errorf("decoding templates file: %w", err)
	}
	return src, nil
}

// Watcher reloads a Set whenever its templates file changes.
type Watcher struct {
	set     *Set
	path    string
	base    Source
	logger  *log.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts reloading set from path on change, layering the file over
// base. The parent directory is watched so editors that replace the file
// are picked up.
func (s *Set) Watch(path string, base Source, logger *log.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}

	w := &Watcher{
		set:     s,
		path:    filepath.Clean(path),
		base:    base,
		logger:  logger,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.logger.Infof("modified file: %s", event.Name)
				if err := w.reload(); err != nil {
					w.logger.Errorf("reloading templates: %v", err)
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("watcher: %+v", err)
		}
	}
}

func (w *Watcher) reload() error {
	src, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	return w.set.Reload(w.base.Merge(src))
}

func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
