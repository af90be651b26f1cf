package models

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cfilipov/rangeconsole/internal/db"
	bolt "go.etcd.io/bbolt"
)

// openTestDB creates a temp BoltDB for testing.
func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Open(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// --- PrefStore ---

func TestPrefStoreGetSet(t *testing.T) {
	t.Parallel()
	store := NewPrefStore(openTestDB(t))

	val, err := store.Get("missing")
	if err != nil {
		t.Fatal(err)
	}
	if val != "" {
		t.Errorf("missing key = %q", val)
	}

	if err := store.Set("domain", "lab.example"); err != nil {
		t.Fatal(err)
	}
	val, err = store.Get("domain")
	if err != nil {
		t.Fatal(err)
	}
	if val != "lab.example" {
		t.Errorf("domain = %q", val)
	}
}

func TestPrefStoreLastRange(t *testing.T) {
	t.Parallel()
	store := NewPrefStore(openTestDB(t))

	id, err := store.LastRange()
	if err != nil || id != 0 {
		t.Fatalf("fresh LastRange = %d, %v", id, err)
	}
	if err := store.SetLastRange(42); err != nil {
		t.Fatal(err)
	}
	if id, _ := store.LastRange(); id != 42 {
		t.Errorf("LastRange = %d, want 42", id)
	}

	// Garbage is treated as unset.
	if err := store.Set(keyLastRange, "not-a-number"); err != nil {
		t.Fatal(err)
	}
	if id, err := store.LastRange(); err != nil || id != 0 {
		t.Errorf("garbage LastRange = %d, %v", id, err)
	}
}

func TestPrefStoreSelection(t *testing.T) {
	t.Parallel()
	store := NewPrefStore(openTestDB(t))

	if err := store.SetSelectedService(1, "desk"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetSelectedService(2, "kali"); err != nil {
		t.Fatal(err)
	}
	if svc, _ := store.SelectedService(1); svc != "desk" {
		t.Errorf("range 1 selection = %q", svc)
	}
	if svc, _ := store.SelectedService(2); svc != "kali" {
		t.Errorf("range 2 selection = %q", svc)
	}

	if err := store.SetLastRange(1); err != nil {
		t.Fatal(err)
	}
	if err := store.ForgetRange(1); err != nil {
		t.Fatal(err)
	}
	if svc, _ := store.SelectedService(1); svc != "" {
		t.Errorf("forgotten selection = %q", svc)
	}
	if id, _ := store.LastRange(); id != 0 {
		t.Errorf("LastRange after forget = %d", id)
	}
	if svc, _ := store.SelectedService(2); svc != "kali" {
		t.Errorf("unrelated selection lost: %q", svc)
	}
}

func TestPrefStorePersistsAcrossInstances(t *testing.T) {
	t.Parallel()
	database := openTestDB(t)

	if err := NewPrefStore(database).SetLastRange(9); err != nil {
		t.Fatal(err)
	}
	if id, _ := NewPrefStore(database).LastRange(); id != 9 {
		t.Errorf("LastRange from new store = %d", id)
	}
}

// --- TokenStore ---

func TestTokenMintAndVerify(t *testing.T) {
	t.Parallel()
	database := openTestDB(t)
	tokens := NewTokenStore(database, NewPrefStore(database))

	tok, err := tokens.Mint("alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := tokens.Verify(tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Operator != "alice" || claims.Subject != "alice" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.H == "" || claims.ID == "" {
		t.Errorf("missing fingerprint or id: %+v", claims)
	}
}

func TestTokenSecretIsStable(t *testing.T) {
	t.Parallel()
	database := openTestDB(t)
	tokens := NewTokenStore(database, NewPrefStore(database))

	s1, err := tokens.EnsureSecret()
	if err != nil {
		t.Fatal(err)
	}
	s2, err := tokens.EnsureSecret()
	if err != nil {
		t.Fatal(err)
	}
	if s1 == "" || s1 != s2 {
		t.Errorf("secret changed: %q vs %q", s1, s2)
	}

	// A token minted by one store verifies with another over the same db.
	tok, err := tokens.Mint("bob", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	other := NewTokenStore(database, NewPrefStore(database))
	if _, err := other.Verify(tok); err != nil {
		t.Errorf("verify with second store: %v", err)
	}
}

func TestTokenRevoke(t *testing.T) {
	t.Parallel()
	database := openTestDB(t)
	tokens := NewTokenStore(database, NewPrefStore(database))

	old, err := tokens.Mint("alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := tokens.Revoke("alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := tokens.Verify(old); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("revoked token err = %v", err)
	}

	fresh, err := tokens.Mint("alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tokens.Verify(fresh); err != nil {
		t.Errorf("fresh token rejected: %v", err)
	}
}

func TestTokenRejects(t *testing.T) {
	t.Parallel()
	database := openTestDB(t)
	tokens := NewTokenStore(database, NewPrefStore(database))

	if _, err := tokens.Mint("  ", time.Hour); !errors.Is(err, ErrNoOperator) {
		t.Errorf("blank operator err = %v", err)
	}
	if _, err := tokens.Verify("not.a.token"); err == nil {
		t.Error("garbage token accepted")
	}

	expired, err := tokens.Mint("alice", -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	// Non-positive ttl falls back to the default, so this one is valid.
	if _, err := tokens.Verify(expired); err != nil {
		t.Errorf("default ttl token rejected: %v", err)
	}

	// A token signed with another secret fails.
	otherDB := openTestDB(t)
	foreign, err := NewTokenStore(otherDB, NewPrefStore(otherDB)).Mint("alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tokens.Verify(foreign); err == nil {
		t.Error("foreign token accepted")
	}
}

func TestShake256Hex(t *testing.T) {
	t.Parallel()
	if got := Shake256Hex("", 16); got != "" {
		t.Errorf("empty input = %q", got)
	}
	a := Shake256Hex("salt", 16)
	if len(a) != 32 {
		t.Errorf("len = %d, want 32", len(a))
	}
	if a != Shake256Hex("salt", 16) {
		t.Error("not deterministic")
	}
	if a == Shake256Hex("salt2", 16) {
		t.Error("collision on different input")
	}
}
