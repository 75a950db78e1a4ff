package service

import (
	"context"
	"testing"
	"time"

	"github.com/gpustack-ui/chat-auth-service/internal/domain"
)

func samplePrincipal(userID uint, tokenID string) *CachedPrincipal {
	return &CachedPrincipal{
		Session: domain.Session{ID: 7, TokenID: tokenID, UserID: userID, Kind: domain.TokenKindAccess, FamilyID: "fam"},
		User:    domain.User{ID: userID, Username: "cached", IsActive: true},
	}
}

func TestInMemorySessionCacheStoreEpochInvalidation(t *testing.T) {
	store := NewInMemorySessionCacheStore()
	ctx := context.Background()

	if err := store.Set(ctx, 1, "jti-1", 0, samplePrincipal(1, "jti-1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, 2, "jti-2", 0, samplePrincipal(2, "jti-2"), time.Minute); err != nil {
		t.Fatalf("set other user: %v", err)
	}
	got, epoch, ok, err := store.Get(ctx, 1, "jti-1")
	if err != nil || !ok || epoch != 0 || got.User.Username != "cached" || got.Session.FamilyID != "fam" {
		t.Fatalf("expected hit, got %+v epoch=%d ok=%v err=%v", got, epoch, ok, err)
	}

	if err := store.InvalidateUser(ctx, 1); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	_, epoch, ok, _ = store.Get(ctx, 1, "jti-1")
	if ok {
		t.Fatal("expected miss after user invalidation")
	}
	if epoch != 1 {
		t.Fatalf("expected miss to report epoch 1, got %d", epoch)
	}
	if _, _, ok, _ := store.Get(ctx, 2, "jti-2"); !ok {
		t.Fatal("other users must keep their entries")
	}
}

func TestInMemorySessionCacheStoreIgnoresStaleEpochWrites(t *testing.T) {
	store := NewInMemorySessionCacheStore()
	ctx := context.Background()

	_, epoch, _, _ := store.Get(ctx, 1, "jti")
	if err := store.InvalidateUser(ctx, 1); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if err := store.Set(ctx, 1, "jti", epoch, samplePrincipal(1, "jti"), time.Minute); err != nil {
		t.Fatalf("stale set: %v", err)
	}
	if _, _, ok, _ := store.Get(ctx, 1, "jti"); ok {
		t.Fatal("a write carrying an old epoch must not become visible")
	}
	if store.Len() != 0 {
		t.Fatalf("expected nothing stored, got %d entries", store.Len())
	}
}

func TestInMemorySessionCacheStoreExpiry(t *testing.T) {
	store := NewInMemorySessionCacheStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Set(ctx, 1, "jti", 0, samplePrincipal(1, "jti"), 10*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	now = now.Add(11 * time.Second)
	if _, _, ok, _ := store.Get(ctx, 1, "jti"); ok {
		t.Fatal("expected entry to expire")
	}
	if err := store.Set(ctx, 1, "zero", 0, samplePrincipal(1, "zero"), 0); err != nil {
		t.Fatalf("zero ttl set: %v", err)
	}
	if _, _, ok, _ := store.Get(ctx, 1, "zero"); ok {
		t.Fatal("zero ttl must not cache")
	}
}

func TestNoopSessionCacheStoreAlwaysMisses(t *testing.T) {
	store := NewNoopSessionCacheStore()
	ctx := context.Background()
	if err := store.Set(ctx, 1, "jti", 0, samplePrincipal(1, "jti"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, _, ok, err := store.Get(ctx, 1, "jti"); ok || err != nil {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
}

func TestRedisSessionCacheStoreRoundTripAndInvalidate(t *testing.T) {
	ctx := context.Background()
	mr, client := startMiniredis(t)
	store := NewRedisSessionCacheStore(client, "sess_test")

	_, epoch, ok, err := store.Get(ctx, 3, "jti-3")
	if ok || err != nil {
		t.Fatalf("expected initial miss, ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, 3, "jti-3", epoch, samplePrincipal(3, "jti-3"), 5*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, _, ok, err := store.Get(ctx, 3, "jti-3")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if got.Session.TokenID != "jti-3" || got.User.ID != 3 || got.Session.Kind != domain.TokenKindAccess {
		t.Fatalf("unexpected cached principal: %+v", got)
	}

	if err := store.InvalidateUser(ctx, 3); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	_, epoch, ok, _ = store.Get(ctx, 3, "jti-3")
	if ok {
		t.Fatal("expected miss after invalidation")
	}
	if ttl := mr.TTL("sess_test:epoch:u3"); ttl <= 0 {
		t.Fatalf("expected epoch key to carry a ttl, got %s", ttl)
	}

	if err := store.Set(ctx, 3, "jti-4", epoch, samplePrincipal(3, "jti-4"), 2*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, _, ok, _ := store.Get(ctx, 3, "jti-4"); !ok {
		t.Fatal("expected hit for a write under the current epoch")
	}
	mr.FastForward(3 * time.Second)
	if _, _, ok, _ := store.Get(ctx, 3, "jti-4"); ok {
		t.Fatal("expected miss after ttl expiry")
	}
}

func TestRedisSessionCacheStoreIgnoresStaleEpochWrites(t *testing.T) {
	ctx := context.Background()
	mr, client := startMiniredis(t)
	store := NewRedisSessionCacheStore(client, "sess_stale")

	_, epoch, _, err := store.Get(ctx, 5, "jti-5")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := store.InvalidateUser(ctx, 5); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if err := store.Set(ctx, 5, "jti-5", epoch, samplePrincipal(5, "jti-5"), time.Minute); err != nil {
		t.Fatalf("stale set: %v", err)
	}
	if _, _, ok, _ := store.Get(ctx, 5, "jti-5"); ok {
		t.Fatal("a write carrying an old epoch must not become visible")
	}
	for _, key := range mr.Keys() {
		if key != "sess_stale:epoch:u5" {
			t.Fatalf("unexpected key written: %s", key)
		}
	}
}

func TestRedisSessionCacheStoreSurfacesRedisErrors(t *testing.T) {
	ctx := context.Background()
	mr, client := startMiniredis(t)
	store := NewRedisSessionCacheStore(client, "")
	mr.SetError("READONLY down for maintenance")
	if _, _, _, err := store.Get(ctx, 1, "jti"); err == nil {
		t.Fatal("expected redis error to surface")
	}
}
