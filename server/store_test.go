// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validTemplate = `
requests:
  - http_method: GET
    url: https://api.example.com/a
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestTemplateStore_Load(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), validTemplate)
	writeFile(t, filepath.Join(dir, "b.json"), `{"requests": [{"http_method": "GET", "url": "https://api.example.com/b"}]}`)
	writeFile(t, filepath.Join(dir, "invalid.yml"), `requests: [`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	writeFile(t, filepath.Join(dir, "a.json"), `{"requests": []}`)

	store, err := NewTemplateStore(dir, nil, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, store.Names())
	tmpl, ok := store.Get("b")
	require.True(t, ok)
	assert.Len(t, tmpl.Requests, 1)

	_, ok = store.Get("invalid")
	assert.False(t, ok)

	err = store.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid.yml")
	assert.Contains(t, err.Error(), "duplicate template name")
}

func TestTemplateStore_MissingDir(t *testing.T) {
	_, err := NewTemplateStore(filepath.Join(t.TempDir(), "missing"), nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestTemplateStore_Watch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), validTemplate)

	store, err := NewTemplateStore(dir, nil, zerolog.Nop())
	require.NoError(t, err)

	metrics := NewMetrics(prometheus.NewRegistry())
	store.OnReload(func(err error) {
		if err != nil {
			metrics.TemplateReloads.WithLabelValues("error").Inc()
			return
		}
		metrics.TemplateReloads.WithLabelValues("success").Inc()
	})

	require.NoError(t, store.Watch())
	defer store.Stop()

	writeFile(t, filepath.Join(dir, "b.yaml"), validTemplate)
	assert.Eventually(t, func() bool {
		_, ok := store.Get("b")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "a.yaml")))
	assert.Eventually(t, func() bool {
		_, ok := store.Get("a")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)

	assert.Positive(t, testutil.ToFloat64(metrics.TemplateReloads.WithLabelValues("success")))
	assert.NotPanics(t, store.Stop)
}
