package persistence_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aesterisk/aesterisk/internal/envelope"
	"github.com/aesterisk/aesterisk/internal/identity"
	"github.com/aesterisk/aesterisk/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "relay.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func publicPEM(t *testing.T) (string, *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemText, err := envelope.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		t.Fatalf("encode key: %v", err)
	}
	return pemText, &key.PublicKey
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "teams", "users", "team_members", "nodes"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}

	var version int
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations;`).Scan(&version); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)
	ctx := context.Background()
	team, err := store.CreateTeam(ctx, "T")
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	_ = store.Close()

	reopened, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if err := reopened.AddMember(ctx, team, 1); err == nil {
		t.Fatalf("expected foreign key failure for unknown user")
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "relay.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered' WHERE version=2;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_IdentityQueries(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	teamT, err := store.CreateTeam(ctx, "T")
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	teamS, err := store.CreateTeam(ctx, "S")
	if err != nil {
		t.Fatalf("create team: %v", err)
	}

	userPEM, userKey := publicPEM(t)
	if err := store.PutUser(ctx, 1, userPEM); err != nil {
		t.Fatalf("put user: %v", err)
	}
	if err := store.AddMember(ctx, teamT, 1); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := store.AddMember(ctx, teamS, 1); err != nil {
		t.Fatalf("add member: %v", err)
	}

	node := uuid.New()
	nodePEM, nodeKey := publicPEM(t)
	if err := store.PutNode(ctx, node, teamT, nodePEM); err != nil {
		t.Fatalf("put node: %v", err)
	}

	got, err := store.PublicKeyOf(ctx, identity.User(1))
	if err != nil || !got.Equal(userKey) {
		t.Fatalf("user key mismatch: %v", err)
	}
	got, err = store.PublicKeyOf(ctx, identity.Node(node))
	if err != nil || !got.Equal(nodeKey) {
		t.Fatalf("node key mismatch: %v", err)
	}
	if _, err := store.PublicKeyOf(ctx, identity.User(2)); !errors.Is(err, identity.ErrUnknownPrincipal) {
		t.Fatalf("expected ErrUnknownPrincipal, got %v", err)
	}

	team, err := store.OwningTeamOf(ctx, node)
	if err != nil || team != teamT {
		t.Fatalf("owning team = %d, %v; want %d", team, err, teamT)
	}
	if _, err := store.OwningTeamOf(ctx, uuid.New()); !errors.Is(err, identity.ErrUnknownPrincipal) {
		t.Fatalf("expected ErrUnknownPrincipal, got %v", err)
	}

	teams, err := store.TeamsOf(ctx, 1)
	if err != nil || len(teams) != 2 {
		t.Fatalf("teams of user = %v, %v", teams, err)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts != (persistence.IdentityCounts{Teams: 2, Users: 1, Nodes: 1}) {
		t.Fatalf("counts = %+v", counts)
	}

	allowed, err := identity.Authorize(ctx, store, 1, []uuid.UUID{node})
	if err != nil || len(allowed) != 1 {
		t.Fatalf("authorize = %v, %v", allowed, err)
	}
	if err := store.RemoveMember(ctx, teamT, 1); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	allowed, err = identity.Authorize(ctx, store, 1, []uuid.UUID{node})
	if err != nil || len(allowed) != 0 {
		t.Fatalf("authorize after removal = %v, %v", allowed, err)
	}
}

func TestStore_PutRejectsInvalidKey(t *testing.T) {
	store, _ := openTestStore(t)
	if err := store.PutUser(context.Background(), 1, "not a key"); err == nil {
		t.Fatalf("expected invalid key error")
	}
}

func TestStore_Presence(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	team, _ := store.CreateTeam(ctx, "T")
	node := uuid.New()
	nodePEM, _ := publicPEM(t)
	if err := store.PutNode(ctx, node, team, nodePEM); err != nil {
		t.Fatalf("put node: %v", err)
	}

	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	if err := store.SetNodeOnline(ctx, node, true, at); err != nil {
		t.Fatalf("set online: %v", err)
	}
	rec, err := store.Node(ctx, node)
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	if !rec.Online || rec.LastActive == nil || !rec.LastActive.Equal(at) {
		t.Fatalf("unexpected presence: %+v", rec)
	}

	later := at.Add(time.Minute)
	if err := store.TouchNodes(ctx, []uuid.UUID{node}, later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	rec, _ = store.Node(ctx, node)
	if !rec.LastActive.Equal(later) {
		t.Fatalf("last_active = %v, want %v", rec.LastActive, later)
	}

	n, err := store.ResetPresence(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reset presence = %d, %v", n, err)
	}
	nodes, err := store.ListNodes(ctx, team)
	if err != nil || len(nodes) != 1 || nodes[0].Online {
		t.Fatalf("list nodes = %+v, %v", nodes, err)
	}
}
