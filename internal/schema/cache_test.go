package schema

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubProvider struct {
	manifest Manifest
	err      error
	calls    int
}

func (s *stubProvider) Manifest(context.Context) (Manifest, error) {
	s.calls++
	if s.err != nil {
		return Manifest{}, s.err
	}
	return s.manifest, nil
}

func TestCacheServesWithinTTL(t *testing.T) {
	provider := &stubProvider{manifest: testManifest()}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cache := &Cache{Provider: provider, TTL: time.Minute, Clock: func() time.Time { return now }}

	if _, err := cache.Manifest(context.Background()); err != nil {
		t.Fatalf("Manifest() error = %v", err)
	}
	now = now.Add(30 * time.Second)
	if _, err := cache.Manifest(context.Background()); err != nil {
		t.Fatalf("Manifest() error = %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", provider.calls)
	}
}

func TestCacheRefreshesAfterTTL(t *testing.T) {
	provider := &stubProvider{manifest: testManifest()}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cache := &Cache{Provider: provider, TTL: time.Minute, Clock: func() time.Time { return now }}

	if _, err := cache.Manifest(context.Background()); err != nil {
		t.Fatalf("Manifest() error = %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := cache.Manifest(context.Background()); err != nil {
		t.Fatalf("Manifest() error = %v", err)
	}
	if provider.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", provider.calls)
	}
}

func TestCacheServesStaleOnRefreshFailure(t *testing.T) {
	provider := &stubProvider{manifest: testManifest()}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cache := &Cache{Provider: provider, TTL: time.Minute, Clock: func() time.Time { return now }}

	if _, err := cache.Manifest(context.Background()); err != nil {
		t.Fatalf("Manifest() error = %v", err)
	}

	provider.err = errors.New("introspection down")
	now = now.Add(2 * time.Minute)
	manifest, err := cache.Manifest(context.Background())
	if err != nil {
		t.Fatalf("Manifest() error = %v, want stale serve", err)
	}
	if len(manifest.Tables) == 0 {
		t.Fatal("expected stale manifest tables")
	}
}

func TestCacheSurfacesErrorWhenUnprimed(t *testing.T) {
	provider := &stubProvider{err: errors.New("introspection down")}
	cache := NewCache(provider, time.Minute)

	if _, err := cache.Manifest(context.Background()); err == nil {
		t.Fatal("expected error when no cached manifest exists")
	}
}

func TestCacheInvalidateForcesRefresh(t *testing.T) {
	provider := &stubProvider{manifest: testManifest()}
	cache := NewCache(provider, time.Hour)

	if _, err := cache.Manifest(context.Background()); err != nil {
		t.Fatalf("Manifest() error = %v", err)
	}
	cache.Invalidate()
	if _, err := cache.Manifest(context.Background()); err != nil {
		t.Fatalf("Manifest() error = %v", err)
	}
	if provider.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", provider.calls)
	}
}
