// Package identitytest holds a conformance suite for identity.Store
// implementations.
package identitytest

import (
	"context"
	"errors"
	"testing"

	"github.com/MrEthical07/credledger/identity"
)

// Run exercises store semantics against stores produced by newStore.
func Run(t *testing.T, newStore func(t *testing.T) identity.Store) {
	t.Run("CreateAndFind", func(t *testing.T) { testCreateAndFind(t, newStore(t)) })
	t.Run("Uniqueness", func(t *testing.T) { testUniqueness(t, newStore(t)) })
	t.Run("UpdatePassword", func(t *testing.T) { testUpdatePassword(t, newStore(t)) })
}

func testCreateAndFind(t *testing.T, store identity.Store) {
	ctx := context.Background()

	created, err := store.Create(ctx, identity.Identity{
		Username: "Alice",
		Email:    "alice@example.com",
		TenantID: "tenant-a",
		Roles:    []string{"admin", "reader"},
	}, "hash-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected store to assign an id")
	}

	for _, login := range []string{"alice", "ALICE", " alice@example.com "} {
		got, hash, err := store.FindByLogin(ctx, login)
		if err != nil {
			t.Fatalf("FindByLogin(%q): %v", login, err)
		}
		if got.ID != created.ID || hash != "hash-1" {
			t.Fatalf("FindByLogin(%q) returned %+v / %q", login, got, hash)
		}
	}

	got, hash, err := store.FindByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Username != "Alice" || got.Email != "alice@example.com" || got.TenantID != "tenant-a" || hash != "hash-1" {
		t.Fatalf("unexpected identity: %+v", got)
	}
	if len(got.Roles) != 2 || got.Roles[0] != "admin" || got.Roles[1] != "reader" {
		t.Fatalf("unexpected roles: %v", got.Roles)
	}

	if _, _, err := store.FindByLogin(ctx, "bob"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := store.FindByID(ctx, "missing"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testUniqueness(t *testing.T, store identity.Store) {
	ctx := context.Background()

	if _, err := store.Create(ctx, identity.Identity{Username: "alice", Email: "alice@example.com"}, "h"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Create(ctx, identity.Identity{Username: "ALICE", Email: "other@example.com"}, "h"); !errors.Is(err, identity.ErrExists) {
		t.Fatalf("expected username collision, got %v", err)
	}
	if _, err := store.Create(ctx, identity.Identity{Username: "bob", Email: "Alice@Example.com"}, "h"); !errors.Is(err, identity.ErrExists) {
		t.Fatalf("expected email collision, got %v", err)
	}
	if _, err := store.Create(ctx, identity.Identity{Username: "bob", Email: "bob@example.com"}, "h"); err != nil {
		t.Fatalf("expected distinct identity to be accepted: %v", err)
	}
}

func testUpdatePassword(t *testing.T, store identity.Store) {
	ctx := context.Background()

	created, err := store.Create(ctx, identity.Identity{Username: "alice"}, "old")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.UpdatePasswordHash(ctx, created.ID, "new"); err != nil {
		t.Fatalf("UpdatePasswordHash: %v", err)
	}
	_, hash, err := store.FindByLogin(ctx, "alice")
	if err != nil || hash != "new" {
		t.Fatalf("expected updated hash, got %q err=%v", hash, err)
	}
	if err := store.UpdatePasswordHash(ctx, "missing", "x"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
