package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sketchdb/api/internal/lease"
)

// openTestStore connects to the integration database, applies migrations,
// and clears prior test rows. Skips the test when no database is configured.
func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("SKETCHDB_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("SKETCHDB_TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM diagrams WHERE id LIKE 'itest-%'`); err != nil {
		t.Fatalf("clear test diagrams: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM users WHERE id LIKE 'itest-%'`); err != nil {
		t.Fatalf("clear test users: %v", err)
	}

	return NewPostgresStore(db)
}

func seedDiagram(t *testing.T, s *PostgresStore, diagramID, ownerID string) {
	t.Helper()
	ctx := context.Background()

	if err := s.CreateUser(ctx, User{
		ID:           ownerID,
		DisplayName:  "Integration Tester",
		Email:        ownerID + "@example.test",
		PasswordHash: "x",
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.InsertDiagram(ctx, Diagram{
		ID:      diagramID,
		Name:    "Initial",
		Nodes:   json.RawMessage(`[{"id":"n1","label":"Start"}]`),
		Edges:   json.RawMessage(`[{"id":"e1","from":"n1","to":"n1"}]`),
		OwnerID: ownerID,
	}); err != nil {
		t.Fatalf("insert diagram: %v", err)
	}
}

// A name-only patch under a valid lease must leave the graph payloads
// untouched and advance updated_at.
func TestUpdateDiagramFieldsNamePatchPreservesPayloads(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedDiagram(t, s, "itest-dgm-patch", "itest-usr-patch")

	now := time.Now().UTC().Truncate(time.Millisecond)
	if _, err := s.AcquireLease(ctx, "itest-dgm-patch", "itest-usr-patch", now.Add(time.Minute), now); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}

	before, err := s.GetDiagram(ctx, "itest-dgm-patch")
	if err != nil {
		t.Fatalf("get diagram: %v", err)
	}

	name := "Orders"
	writeAt := now.Add(time.Second)
	updated, err := s.UpdateDiagramFields(ctx, "itest-dgm-patch", "itest-usr-patch", DiagramPatch{Name: &name}, writeAt)
	if err != nil {
		t.Fatalf("update diagram fields: %v", err)
	}

	if updated.Name != "Orders" {
		t.Errorf("expected name updated, got %q", updated.Name)
	}
	if string(updated.Nodes) != string(before.Nodes) {
		t.Errorf("nodes changed by a name-only patch: %s -> %s", before.Nodes, updated.Nodes)
	}
	if string(updated.Edges) != string(before.Edges) {
		t.Errorf("edges changed by a name-only patch: %s -> %s", before.Edges, updated.Edges)
	}
	if !updated.UpdatedAt.After(before.UpdatedAt) {
		t.Errorf("expected updated_at to advance: %v -> %v", before.UpdatedAt, updated.UpdatedAt)
	}
}

// A write under an expired lease is rejected at transaction time.
func TestUpdateDiagramFieldsRejectsExpiredLease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedDiagram(t, s, "itest-dgm-expired", "itest-usr-expired")

	now := time.Now().UTC().Truncate(time.Millisecond)
	if _, err := s.AcquireLease(ctx, "itest-dgm-expired", "itest-usr-expired", now.Add(time.Minute), now); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}

	name := "Too Late"
	afterExpiry := now.Add(2 * time.Minute)
	_, err := s.UpdateDiagramFields(ctx, "itest-dgm-expired", "itest-usr-expired", DiagramPatch{Name: &name}, afterExpiry)

	var leaseErr *LeaseError
	if !errors.As(err, &leaseErr) {
		t.Fatalf("expected LeaseError, got %v", err)
	}
	if leaseErr.Cause != lease.Expired {
		t.Errorf("expected cause %s, got %s", lease.Expired, leaseErr.Cause)
	}

	got, err := s.GetDiagram(ctx, "itest-dgm-expired")
	if err != nil {
		t.Fatalf("get diagram: %v", err)
	}
	if got.Name != "Initial" {
		t.Errorf("rejected write must not change the row, name is %q", got.Name)
	}
}

// Reclaiming a lapsed lease clears the holder but never re-grants: a write by
// the former holder after reclamation is rejected until a fresh acquisition.
func TestReclaimDoesNotRegrantLease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedDiagram(t, s, "itest-dgm-reclaim", "itest-usr-reclaim")

	now := time.Now().UTC().Truncate(time.Millisecond)
	if _, err := s.AcquireLease(ctx, "itest-dgm-reclaim", "itest-usr-reclaim", now.Add(time.Minute), now); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}

	afterExpiry := now.Add(2 * time.Minute)
	cleared, err := s.ReclaimExpiredLease(ctx, "itest-dgm-reclaim", afterExpiry)
	if err != nil {
		t.Fatalf("reclaim expired lease: %v", err)
	}
	if !cleared {
		t.Fatal("expected expired lease to be cleared")
	}

	got, err := s.GetDiagram(ctx, "itest-dgm-reclaim")
	if err != nil {
		t.Fatalf("get diagram: %v", err)
	}
	if got.LockedByUserID != nil || got.LockExpiresAt != nil {
		t.Fatalf("expected lease fields cleared, got holder=%v expiry=%v", got.LockedByUserID, got.LockExpiresAt)
	}

	name := "No Regrant"
	_, err = s.UpdateDiagramFields(ctx, "itest-dgm-reclaim", "itest-usr-reclaim", DiagramPatch{Name: &name}, afterExpiry)
	var leaseErr *LeaseError
	if !errors.As(err, &leaseErr) {
		t.Fatalf("expected LeaseError after reclamation, got %v", err)
	}
	if leaseErr.Cause != lease.NoHolder {
		t.Errorf("expected cause %s, got %s", lease.NoHolder, leaseErr.Cause)
	}

	// A fresh acquisition restores write access.
	if _, err := s.AcquireLease(ctx, "itest-dgm-reclaim", "itest-usr-reclaim", afterExpiry.Add(time.Minute), afterExpiry); err != nil {
		t.Fatalf("reacquire lease: %v", err)
	}
	if _, err := s.UpdateDiagramFields(ctx, "itest-dgm-reclaim", "itest-usr-reclaim", DiagramPatch{Name: &name}, afterExpiry); err != nil {
		t.Fatalf("update after reacquisition: %v", err)
	}
}

// A renewal that lands before a lazy reclaim keeps the lease: the reclaim
// predicate re-checks expiry and affects no rows.
func TestReclaimSkipsRenewedLease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedDiagram(t, s, "itest-dgm-renew", "itest-usr-renew")

	now := time.Now().UTC().Truncate(time.Millisecond)
	if _, err := s.AcquireLease(ctx, "itest-dgm-renew", "itest-usr-renew", now.Add(time.Hour), now); err != nil {
		t.Fatalf("acquire lease: %v", err)
	}

	cleared, err := s.ReclaimExpiredLease(ctx, "itest-dgm-renew", now)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if cleared {
		t.Fatal("reclaim must not clear an unexpired lease")
	}

	got, err := s.GetDiagram(ctx, "itest-dgm-renew")
	if err != nil {
		t.Fatalf("get diagram: %v", err)
	}
	if got.LockedByUserID == nil || *got.LockedByUserID != "itest-usr-renew" {
		t.Fatalf("expected holder preserved, got %v", got.LockedByUserID)
	}
}
