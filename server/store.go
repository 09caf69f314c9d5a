// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/noi-techpark/go-jsonbatch"
	"github.com/noi-techpark/go-jsonbatch/function"
)

// TemplateStore holds the batch templates of a directory, keyed by file name
// without extension. Templates that fail to load or validate are skipped.
type TemplateStore struct {
	dir      string
	registry *function.Registry
	logger   zerolog.Logger

	mu        sync.RWMutex
	templates map[string]*jsonbatch.BatchTemplate
	onReload  []func(error)

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

func NewTemplateStore(dir string, registry *function.Registry, logger zerolog.Logger) (*TemplateStore, error) {
	s := &TemplateStore{
		dir:       dir,
		registry:  registry,
		logger:    logger,
		templates: map[string]*jsonbatch.BatchTemplate{},
		stopCh:    make(chan struct{}),
	}
	if err := s.Reload(); err != nil {
		info, statErr := os.Stat(dir)
		if statErr != nil || !info.IsDir() {
			return nil, err
		}
		s.logger.Warn().Err(err).Str("dir", dir).Msg("some templates were skipped")
	}
	return s, nil
}

func isTemplateFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func templateName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Reload replaces the stored templates with the directory content. The
// returned error lists every file that was skipped.
func (s *TemplateStore) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		err = fmt.Errorf("read template dir: %w", err)
		s.notify(err)
		return err
	}

	var result *multierror.Error
	loaded := make(map[string]*jsonbatch.BatchTemplate, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isTemplateFile(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		tmpl, err := jsonbatch.LoadTemplate(path)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		if err := jsonbatch.Validate(tmpl, s.registry); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		name := templateName(path)
		if _, dup := loaded[name]; dup {
			result = multierror.Append(result, fmt.Errorf("%s: duplicate template name %q", entry.Name(), name))
			continue
		}
		loaded[name] = tmpl
	}

	s.mu.Lock()
	s.templates = loaded
	s.mu.Unlock()

	s.logger.Info().Str("dir", s.dir).Int("templates", len(loaded)).Msg("templates loaded")
	err = result.ErrorOrNil()
	s.notify(err)
	return err
}

// OnReload registers a callback run after every reload.
func (s *TemplateStore) OnReload(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = append(s.onReload, fn)
}

func (s *TemplateStore) notify(err error) {
	s.mu.RLock()
	callbacks := append([]func(error){}, s.onReload...)
	s.mu.RUnlock()
	for _, fn := range callbacks {
		fn(err)
	}
}

func (s *TemplateStore) Get(name string) (*jsonbatch.BatchTemplate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tmpl, ok := s.templates[name]
	return tmpl, ok
}

// Names returns the stored template names in order.
func (s *TemplateStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch reloads the store whenever a template file changes.
func (s *TemplateStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	s.watcher = watcher

	go s.watchLoop()

	s.logger.Info().Str("dir", s.dir).Msg("watching templates for changes")
	return nil
}

func (s *TemplateStore) Stop() {
	select {
	case <-s.stopCh:
		return
	default:
		close(s.stopCh)
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *TemplateStore) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !isTemplateFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("template changed")
			if err := s.Reload(); err != nil {
				s.logger.Error().Err(err).Msg("template reload failed")
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("template watcher error")

		case <-s.stopCh:
			return
		}
	}
}
