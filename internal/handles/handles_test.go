package handles

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories runs the same behaviour against every Store implementation.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"sqlite": func() Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "handles.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestRoundTrip(t *testing.T) {
	paths := []string{"/index.html", "/b.png", "/css/site.css", "/docs/", "relative/page.htm"}

	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			m := NewMap(newStore(), "/blob/")
			defer m.Close()
			ctx := context.Background()

			for _, p := range paths {
				h, err := m.Allocate(ctx, p, []byte("content of "+p), "")
				require.NoError(t, err)
				assert.True(t, strings.HasPrefix(h.String(), "/blob/"))

				got, err := m.Resolve(ctx, h)
				require.NoError(t, err)
				if strings.HasPrefix(p, "/") {
					assert.Equal(t, p, got)
				} else {
					assert.Equal(t, "/"+p, got)
				}
			}
		})
	}
}

func TestResolveUnknownHandle(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			m := NewMap(newStore(), "/blob/")
			defer m.Close()
			ctx := context.Background()

			_, err := m.Resolve(ctx, "/blob/never-allocated")
			assert.ErrorIs(t, err, ErrUnknownHandle)

			_, err = m.Resolve(ctx, "https://example.com/x")
			assert.ErrorIs(t, err, ErrUnknownHandle)
		})
	}
}

func TestAllocateIdempotentForSameContent(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			m := NewMap(newStore(), "/blob/")
			defer m.Close()
			ctx := context.Background()

			h1, err := m.Allocate(ctx, "/index.html", []byte("<html>"), "text/html")
			require.NoError(t, err)
			h2, err := m.Allocate(ctx, "/index.html", []byte("<html>"), "text/html")
			require.NoError(t, err)

			assert.Equal(t, h1, h2)
		})
	}
}

func TestAllocateNewVersionRevokesOldHandle(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			m := NewMap(newStore(), "/blob/")
			defer m.Close()
			ctx := context.Background()

			old, err := m.Allocate(ctx, "/index.html", []byte("v1"), "text/html")
			require.NoError(t, err)
			current, err := m.Allocate(ctx, "/index.html", []byte("v2"), "text/html")
			require.NoError(t, err)

			assert.NotEqual(t, old, current)

			_, err = m.Resolve(ctx, old)
			assert.ErrorIs(t, err, ErrUnknownHandle)

			blob, err := m.Blob(ctx, current)
			require.NoError(t, err)
			assert.Equal(t, "v2", string(blob.Content))

			h, found, err := m.Lookup(ctx, "/index.html")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, current, h)
		})
	}
}

func TestInvalidate(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			m := NewMap(newStore(), "/blob/")
			defer m.Close()
			ctx := context.Background()

			h, err := m.Allocate(ctx, "/a.html", []byte("x"), "")
			require.NoError(t, err)
			require.NoError(t, m.Invalidate(ctx, "/a.html"))

			_, err = m.Resolve(ctx, h)
			assert.ErrorIs(t, err, ErrUnknownHandle)

			_, found, err := m.Lookup(ctx, "/a.html")
			require.NoError(t, err)
			assert.False(t, found)

			// Invalidating an unknown path is not an error
			assert.NoError(t, m.Invalidate(ctx, "/never.html"))
		})
	}
}

func TestSQLiteStorePersists(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "handles.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	m1 := NewMap(s1, "/blob/")
	h, err := m1.Allocate(ctx, "/index.html", []byte("<html>"), "text/html")
	require.NoError(t, err)
	require.NoError(t, m1.Close())

	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	m2 := NewMap(s2, "/blob/")
	defer m2.Close()

	p, err := m2.Resolve(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "/index.html", p)
}

func TestDetectMIME(t *testing.T) {
	tests := []struct {
		path    string
		content []byte
		want    string
	}{
		{"/index.html", []byte("<html>"), "text/html"},
		{"/site.css", []byte("body{}"), "text/css"},
		{"/logo.png", []byte("\x89PNG\r\n\x1a\n"), "image/png"},
		{"/noext", []byte("\x89PNG\r\n\x1a\n"), "image/png"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.True(t, strings.HasPrefix(DetectMIME(tt.path, tt.content), tt.want),
				"DetectMIME(%q) = %q", tt.path, DetectMIME(tt.path, tt.content))
		})
	}
}

func TestConcurrentAllocate(t *testing.T) {
	store := NewMemoryStore()
	m := NewMap(store, "/blob/")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := fmt.Sprintf("/page-%d.html", i%5)
			h, err := m.Allocate(ctx, p, []byte(fmt.Sprintf("v%d", i)), "text/html")
			assert.NoError(t, err)
			_ = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, store.Len(), "one live handle per path")
}
