// Package audit provides an append-only, HMAC-signed trail of session
// activity. Every session event (bind, answered message, refusal, role
// mismatch) becomes a signed Entry persisted in SQLite BEFORE the response
// leaves the process. The store exposes no update or delete operation;
// corrections are recorded as new entries.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/leadgov-io/warden/internal/otel"
	"github.com/leadgov-io/warden/internal/role"
)

var tracer = wardenotel.Tracer("github.com/leadgov-io/warden/internal/audit")

// ErrAuditWrite indicates the trail could not be appended. Callers must
// treat this as fatal for the in-flight message: no response is delivered
// without a persisted entry.
var ErrAuditWrite = errors.New("audit write failed")

// Entry types.
const (
	TypeSessionStart = "SESSION_START"
	TypeMessage      = "MESSAGE"
	TypeRoleMismatch = "ROLE_MISMATCH"
	TypeSessionEnd   = "SESSION_END"
)

// Entry is a single signed record in the audit trail.
type Entry struct {
	ID            string    `json:"id"`
	GlobalSeq     int64     `json:"global_seq"`
	SessionID     string    `json:"session_id"`
	Seq           int64     `json:"seq"` // per-session sequence, starts at 1
	Role          role.Role `json:"role"`
	Timestamp     time.Time `json:"timestamp"`
	EntryType     string    `json:"entry_type"`
	Query         string    `json:"query,omitempty"`
	Response      string    `json:"response,omitempty"`
	RefusalCode   string    `json:"refusal_code,omitempty"`
	ViolationFlag bool      `json:"violation_flag"`
	Signature     string    `json:"signature"`
}

// Store persists HMAC-signed audit entries in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer

	// mu serializes appends so per-session sequence numbers are assigned
	// without gaps or duplicates.
	mu sync.Mutex
}

// NewStore creates an audit store with HMAC signing.
func NewStore(dbPath string, signingKey string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		global_seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		entry_type TEXT NOT NULL,
		violation INTEGER NOT NULL DEFAULT 0,
		entry_json TEXT NOT NULL,
		signature TEXT NOT NULL,
		UNIQUE(session_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_entries(session_id);
	CREATE INDEX IF NOT EXISTS idx_audit_violation ON audit_entries(violation);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	return &Store{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record signs and appends an entry, assigning its per-session and global
// sequence numbers. The entry is durable when Record returns nil; callers
// deliver responses only after that.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	ctx, span := tracer.Start(ctx, "audit.record",
		trace.WithAttributes(
			attribute.String("session_id", e.SessionID),
			attribute.String("entry_type", e.EntryType),
			attribute.Bool("violation", e.ViolationFlag),
		))
	defer span.End()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrAuditWrite, err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM audit_entries WHERE session_id = ?`, e.SessionID,
	).Scan(&maxSeq); err != nil {
		return fmt.Errorf("%w: next seq: %v", ErrAuditWrite, err)
	}
	e.Seq = maxSeq.Int64 + 1

	signature, err := s.signer.SignEntry(*e)
	if err != nil {
		return fmt.Errorf("%w: sign: %v", ErrAuditWrite, err)
	}
	e.Signature = signature

	entryJSON, _ := json.Marshal(e)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO audit_entries (id, session_id, seq, role, timestamp, entry_type, violation, entry_json, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Seq, string(e.Role), e.Timestamp, e.EntryType,
		boolToInt(e.ViolationFlag), string(entryJSON), signature,
	)
	if err != nil {
		return fmt.Errorf("%w: insert: %v", ErrAuditWrite, err)
	}
	if e.GlobalSeq, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("%w: global seq: %v", ErrAuditWrite, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrAuditWrite, err)
	}

	span.SetAttributes(
		attribute.Int64("audit.seq", e.Seq),
		attribute.Int64("audit.global_seq", e.GlobalSeq),
	)
	return nil
}

// Tail returns entries with global sequence greater than afterSeq, oldest
// first, optionally restricted to violations.
func (s *Store) Tail(ctx context.Context, afterSeq int64, limit int, violationsOnly bool) ([]Entry, error) {
	ctx, span := tracer.Start(ctx, "audit.tail",
		trace.WithAttributes(
			attribute.Int64("after_seq", afterSeq),
			attribute.Bool("violations_only", violationsOnly),
		))
	defer span.End()

	query := `SELECT global_seq, entry_json FROM audit_entries WHERE global_seq > ?`
	args := []interface{}{afterSeq}
	if violationsOnly {
		query += ` AND violation = 1`
	}
	query += ` ORDER BY global_seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return s.queryEntries(ctx, query, args...)
}

// ListBySession returns all entries for a session in sequence order.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]Entry, error) {
	ctx, span := tracer.Start(ctx, "audit.list_by_session",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	return s.queryEntries(ctx,
		`SELECT global_seq, entry_json FROM audit_entries WHERE session_id = ? ORDER BY seq ASC`,
		sessionID)
}

// CountViolations returns the number of violation-flagged entries.
func (s *Store) CountViolations(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "audit.count_violations")
	defer span.End()

	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_entries WHERE violation = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting violations: %w", err)
	}
	span.SetAttributes(attribute.Int64("violation_count", n))
	return n, nil
}

// Get retrieves an entry by ID.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	ctx, span := tracer.Start(ctx, "audit.get",
		trace.WithAttributes(attribute.String("entry_id", id)))
	defer span.End()

	var globalSeq int64
	var entryJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT global_seq, entry_json FROM audit_entries WHERE id = ?`, id,
	).Scan(&globalSeq, &entryJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("audit entry %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying audit entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal([]byte(entryJSON), &e); err != nil {
		return nil, fmt.Errorf("unmarshaling audit entry: %w", err)
	}
	e.GlobalSeq = globalSeq
	return &e, nil
}

// Verify checks the HMAC signature integrity of an entry.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "audit.verify",
		trace.WithAttributes(attribute.String("entry_id", id)))
	defer span.End()

	e, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return s.signer.VerifyEntry(*e), nil
}

// VerifyAll checks every entry and returns the IDs whose signatures fail.
func (s *Store) VerifyAll(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "audit.verify_all")
	defer span.End()

	entries, err := s.queryEntries(ctx,
		`SELECT global_seq, entry_json FROM audit_entries ORDER BY global_seq ASC`)
	if err != nil {
		return nil, err
	}

	var bad []string
	for _, e := range entries {
		ok, err := s.Verify(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			bad = append(bad, e.ID)
		}
	}
	span.SetAttributes(attribute.Int("checked", len(entries)), attribute.Int("failed", len(bad)))
	return bad, nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...interface{}) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var results []Entry
	for rows.Next() {
		var globalSeq int64
		var entryJSON string
		if err := rows.Scan(&globalSeq, &entryJSON); err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(entryJSON), &e); err != nil {
			continue
		}
		e.GlobalSeq = globalSeq
		results = append(results, e)
	}
	return results, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
