package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sketchdb/api/internal/lease"
)

// LeaseError reports a rejected write or acquisition. The internal cause is
// kept for logging; callers collapse it into one LOCK_INVALID outcome.
type LeaseError struct {
	Cause lease.Outcome
}

func (e *LeaseError) Error() string {
	return "lease invalid: " + e.Cause.String()
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash)
		VALUES ($1, $2, LOWER($3), $4)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users
		WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// --- diagrams ---

const diagramColumns = `
	d.id, d.name, d.nodes, d.edges, d.owner_id, u.display_name,
	d.created_at, d.updated_at, d.locked_by_user_id, d.lock_expires_at`

func scanDiagram(row interface{ Scan(...any) error }) (Diagram, error) {
	var item Diagram
	err := row.Scan(
		&item.ID,
		&item.Name,
		&item.Nodes,
		&item.Edges,
		&item.OwnerID,
		&item.OwnerName,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.LockedByUserID,
		&item.LockExpiresAt,
	)
	return item, err
}

func (s *PostgresStore) InsertDiagram(ctx context.Context, item Diagram) error {
	nodes := item.Nodes
	if len(nodes) == 0 {
		nodes = json.RawMessage(`[]`)
	}
	edges := item.Edges
	if len(edges) == 0 {
		edges = json.RawMessage(`[]`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO diagrams (id, name, nodes, edges, owner_id)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5)
	`, item.ID, item.Name, string(nodes), string(edges), item.OwnerID)
	if err != nil {
		return fmt.Errorf("insert diagram: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDiagram(ctx context.Context, diagramID string) (Diagram, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+diagramColumns+`
		FROM diagrams d
		JOIN users u ON u.id = d.owner_id
		WHERE d.id = $1
	`, diagramID)
	return scanDiagram(row)
}

func (s *PostgresStore) ListDiagrams(ctx context.Context) ([]Diagram, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+diagramColumns+`
		FROM diagrams d
		JOIN users u ON u.id = d.owner_id
		ORDER BY d.updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list diagrams: %w", err)
	}
	defer rows.Close()

	items := make([]Diagram, 0)
	for rows.Next() {
		item, err := scanDiagram(rows)
		if err != nil {
			return nil, fmt.Errorf("scan diagram: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diagrams: %w", err)
	}
	return items, nil
}

// ReclaimExpiredLease clears the lease fields iff the lease is still expired
// at statement time. The predicate re-checks expiry inside the UPDATE, so a
// concurrent renewal between the caller's read and this write is never
// clobbered. Returns whether a lease was cleared.
func (s *PostgresStore) ReclaimExpiredLease(ctx context.Context, diagramID string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE diagrams
		SET locked_by_user_id = NULL, lock_expires_at = NULL
		WHERE id = $1
		  AND locked_by_user_id IS NOT NULL
		  AND (lock_expires_at IS NULL OR lock_expires_at <= $2)
	`, diagramID, now)
	if err != nil {
		return false, fmt.Errorf("reclaim expired lease: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reclaim expired lease rows: %w", err)
	}
	return affected > 0, nil
}

// AcquireLease grants or renews the write lease for requesterID until the
// given expiry. A lease held by someone else and still valid is the only
// rejection; a free or lapsed lease is granted in place.
func (s *PostgresStore) AcquireLease(ctx context.Context, diagramID, requesterID string, until, now time.Time) (Diagram, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Diagram{}, fmt.Errorf("begin acquire tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var holderID *string
	var expiresAt *time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT locked_by_user_id, lock_expires_at FROM diagrams WHERE id = $1 FOR UPDATE
	`, diagramID).Scan(&holderID, &expiresAt)
	if err != nil {
		return Diagram{}, err
	}

	if outcome := lease.Evaluate(holderID, expiresAt, requesterID, now); outcome == lease.HeldByOther {
		return Diagram{}, &LeaseError{Cause: outcome}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE diagrams SET locked_by_user_id = $2, lock_expires_at = $3 WHERE id = $1
	`, diagramID, requesterID, until); err != nil {
		return Diagram{}, fmt.Errorf("grant lease: %w", err)
	}

	item, err := getDiagramTx(ctx, tx, diagramID)
	if err != nil {
		return Diagram{}, err
	}
	if err := tx.Commit(); err != nil {
		return Diagram{}, fmt.Errorf("commit acquire tx: %w", err)
	}
	return item, nil
}

// ReleaseLease clears the lease iff requesterID is the current holder.
// Releasing a lease you do not hold, or one that does not exist, is a no-op;
// both outcomes are success.
func (s *PostgresStore) ReleaseLease(ctx context.Context, diagramID, requesterID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE diagrams
		SET locked_by_user_id = NULL, lock_expires_at = NULL
		WHERE id = $1 AND locked_by_user_id = $2
	`, diagramID, requesterID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// UpdateDiagramFields applies a partial content update iff requesterID holds
// a valid lease at transaction time. Lease verification and the field update
// share one transaction with the row locked, so a lease cannot lapse or
// change hands between the check and the write.
func (s *PostgresStore) UpdateDiagramFields(ctx context.Context, diagramID, requesterID string, patch DiagramPatch, now time.Time) (Diagram, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Diagram{}, fmt.Errorf("begin update tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var holderID *string
	var expiresAt *time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT locked_by_user_id, lock_expires_at FROM diagrams WHERE id = $1 FOR UPDATE
	`, diagramID).Scan(&holderID, &expiresAt)
	if err != nil {
		return Diagram{}, err
	}

	if outcome := lease.Evaluate(holderID, expiresAt, requesterID, now); outcome != lease.Valid {
		return Diagram{}, &LeaseError{Cause: outcome}
	}

	var nodes, edges *string
	if patch.Nodes != nil {
		value := string(patch.Nodes)
		nodes = &value
	}
	if patch.Edges != nil {
		value := string(patch.Edges)
		edges = &value
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE diagrams
		SET name = COALESCE($2, name),
		    nodes = COALESCE($3::jsonb, nodes),
		    edges = COALESCE($4::jsonb, edges),
		    updated_at = $5
		WHERE id = $1
	`, diagramID, patch.Name, nodes, edges, now); err != nil {
		return Diagram{}, fmt.Errorf("update diagram fields: %w", err)
	}

	item, err := getDiagramTx(ctx, tx, diagramID)
	if err != nil {
		return Diagram{}, err
	}
	if err := tx.Commit(); err != nil {
		return Diagram{}, fmt.Errorf("commit update tx: %w", err)
	}
	return item, nil
}

func getDiagramTx(ctx context.Context, tx *sql.Tx, diagramID string) (Diagram, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+diagramColumns+`
		FROM diagrams d
		JOIN users u ON u.id = d.owner_id
		WHERE d.id = $1
	`, diagramID)
	item, err := scanDiagram(row)
	if err != nil {
		return Diagram{}, fmt.Errorf("reload diagram: %w", err)
	}
	return item, nil
}

// DeleteDiagram removes a diagram and, via cascade, its chat log.
func (s *PostgresStore) DeleteDiagram(ctx context.Context, diagramID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM diagrams WHERE id = $1`, diagramID)
	if err != nil {
		return fmt.Errorf("delete diagram: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete diagram rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- chat messages ---

func (s *PostgresStore) InsertChatMessage(ctx context.Context, message ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, diagram_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, message.ID, message.DiagramID, message.Role, message.Content, message.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChatMessages(ctx context.Context, diagramID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, diagram_id, role, content, created_at
		FROM chat_messages
		WHERE diagram_id = $1
		ORDER BY created_at ASC, id ASC
	`, diagramID)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()
	return collectChatMessages(rows)
}

// ListRecentChatMessages returns the limit newest messages, newest first.
// Callers reverse the slice before use.
func (s *PostgresStore) ListRecentChatMessages(ctx context.Context, diagramID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 15
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, diagram_id, role, content, created_at
		FROM chat_messages
		WHERE diagram_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, diagramID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent chat messages: %w", err)
	}
	defer rows.Close()
	return collectChatMessages(rows)
}

func collectChatMessages(rows *sql.Rows) ([]ChatMessage, error) {
	items := make([]ChatMessage, 0)
	for rows.Next() {
		var item ChatMessage
		if err := rows.Scan(&item.ID, &item.DiagramID, &item.Role, &item.Content, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return items, nil
}

// --- refresh sessions (Postgres fallback when Redis is not configured) ---

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.password_hash, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}
