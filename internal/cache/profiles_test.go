package cache

import (
	"context"
	"testing"
	"time"

	"cyphire/api/internal/store"

	"github.com/alicebob/miniredis/v2"
)

func setupTestCache(t *testing.T) (*ProfileCache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client, err := Connect("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewProfileCache(client, time.Minute), s
}

func TestConnectRejectsBadURL(t *testing.T) {
	if _, err := Connect("not a url"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSetAndGetMany(t *testing.T) {
	cache, _ := setupTestCache(t)
	ctx := context.Background()

	err := cache.SetMany(ctx, []store.User{
		{ID: "u1", DisplayName: "Ada", AvatarURL: "https://cdn/ada.png"},
		{ID: "u2", DisplayName: "Linus"},
	})
	if err != nil {
		t.Fatalf("SetMany failed: %v", err)
	}

	got, err := cache.GetMany(ctx, []string{"u1", "u2", "u3"})
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(got))
	}
	if got["u1"].DisplayName != "Ada" || got["u1"].AvatarURL != "https://cdn/ada.png" {
		t.Errorf("unexpected u1 profile: %+v", got["u1"])
	}
	if _, ok := got["u3"]; ok {
		t.Error("u3 should be a miss")
	}
}

func TestProfilesExpire(t *testing.T) {
	cache, s := setupTestCache(t)
	ctx := context.Background()

	if err := cache.SetMany(ctx, []store.User{{ID: "u1", DisplayName: "Ada"}}); err != nil {
		t.Fatalf("SetMany failed: %v", err)
	}
	s.FastForward(2 * time.Minute)

	got, err := cache.GetMany(ctx, []string{"u1"})
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected expired profile to miss, got %+v", got)
	}
}

func TestCorruptEntryIsMiss(t *testing.T) {
	cache, s := setupTestCache(t)
	if err := s.Set("profile:u1", "{not json"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	got, err := cache.GetMany(context.Background(), []string{"u1"})
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected corrupt entry to miss, got %+v", got)
	}
}

func TestInvalidate(t *testing.T) {
	cache, _ := setupTestCache(t)
	ctx := context.Background()

	if err := cache.SetMany(ctx, []store.User{{ID: "u1", DisplayName: "Ada"}}); err != nil {
		t.Fatalf("SetMany failed: %v", err)
	}
	if err := cache.Invalidate(ctx, "u1"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if err := cache.Invalidate(ctx, "never-cached"); err != nil {
		t.Errorf("Invalidate of missing key failed: %v", err)
	}

	got, _ := cache.GetMany(ctx, []string{"u1"})
	if len(got) != 0 {
		t.Error("expected invalidated profile to miss")
	}
}

func TestGetManyEmpty(t *testing.T) {
	cache, _ := setupTestCache(t)
	got, err := cache.GetMany(context.Background(), nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result, got %v %v", got, err)
	}
}
