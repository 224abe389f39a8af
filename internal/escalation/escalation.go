// Package escalation handles role mismatch reports: a human flags that a
// lead is bound to the wrong role, the report lands in the audit trail, and
// an operator applies a correction to the lead store. Corrections take
// effect at the next bind; live sessions are never mutated.
package escalation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/leadgov-io/warden/internal/audit"
	wardenotel "github.com/leadgov-io/warden/internal/otel"
	"github.com/leadgov-io/warden/internal/role"
)

var tracer = wardenotel.Tracer("github.com/leadgov-io/warden/internal/escalation")

// Report statuses.
const (
	StatusOpen     = "open"
	StatusApplied  = "applied"
	StatusRejected = "rejected"
)

// MismatchReport records a claim that a phone is mapped to the wrong role.
type MismatchReport struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id,omitempty"`
	Phone        string    `json:"phone"`
	CurrentRole  role.Role `json:"current_role"`
	ClaimedRole  role.Role `json:"claimed_role"`
	Note         string    `json:"note,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	ResolvedAt   time.Time `json:"resolved_at,omitempty"`
	ResolvedRole role.Role `json:"resolved_role,omitempty"`
}

// Handler persists mismatch reports and applies corrections to the lead store.
type Handler struct {
	db    *sql.DB
	roles role.Store
	audit *audit.Store
}

// NewHandler opens the report store at dbPath.
func NewHandler(dbPath string, roles role.Store, auditStore *audit.Store) (*Handler, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening escalation database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS mismatch_reports (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		phone TEXT NOT NULL,
		current_role TEXT NOT NULL,
		claimed_role TEXT NOT NULL,
		note TEXT,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP,
		resolved_role TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_mismatch_phone ON mismatch_reports(phone);
	CREATE INDEX IF NOT EXISTS idx_mismatch_status ON mismatch_reports(status);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating escalation schema: %w", err)
	}

	return &Handler{db: db, roles: roles, audit: auditStore}, nil
}

// Close releases the database connection.
func (h *Handler) Close() error {
	return h.db.Close()
}

// ReportMismatch files a report and flags it in the audit trail. The live
// session, if any, keeps its bound role.
func (h *Handler) ReportMismatch(ctx context.Context, r *MismatchReport) error {
	ctx, span := tracer.Start(ctx, "escalation.report_mismatch",
		trace.WithAttributes(
			attribute.String("phone", r.Phone),
			attribute.String("claimed_role", string(r.ClaimedRole)),
		))
	defer span.End()

	if !r.ClaimedRole.Valid() {
		return fmt.Errorf("invalid claimed role %q", r.ClaimedRole)
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.Status = StatusOpen

	_, err := h.db.ExecContext(ctx,
		`INSERT INTO mismatch_reports (id, session_id, phone, current_role, claimed_role, note, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Phone, string(r.CurrentRole), string(r.ClaimedRole),
		r.Note, r.Status, r.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing mismatch report: %w", err)
	}

	return h.audit.Record(ctx, &audit.Entry{
		SessionID:     r.SessionID,
		Role:          r.CurrentRole,
		EntryType:     audit.TypeRoleMismatch,
		Query:         fmt.Sprintf("mismatch report %s: phone %s claimed %s", r.ID, r.Phone, r.ClaimedRole),
		ViolationFlag: true,
	})
}

// ApplyCorrection resolves a report by rewriting the lead's role mapping.
// It affects the next bind only.
func (h *Handler) ApplyCorrection(ctx context.Context, reportID string) (*MismatchReport, error) {
	ctx, span := tracer.Start(ctx, "escalation.apply_correction",
		trace.WithAttributes(attribute.String("report_id", reportID)))
	defer span.End()

	r, err := h.Get(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusOpen {
		return nil, fmt.Errorf("report %s already %s", reportID, r.Status)
	}

	if err := h.roles.Update(ctx, r.Phone, r.ClaimedRole); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("applying role correction: %w", err)
	}

	r.Status = StatusApplied
	r.ResolvedAt = time.Now().UTC()
	r.ResolvedRole = r.ClaimedRole
	if _, err := h.db.ExecContext(ctx,
		`UPDATE mismatch_reports SET status = ?, resolved_at = ?, resolved_role = ? WHERE id = ?`,
		r.Status, r.ResolvedAt, string(r.ResolvedRole), r.ID); err != nil {
		return nil, fmt.Errorf("resolving mismatch report: %w", err)
	}
	return r, nil
}

// Get retrieves a report by ID.
func (h *Handler) Get(ctx context.Context, id string) (*MismatchReport, error) {
	row := h.db.QueryRowContext(ctx,
		`SELECT id, session_id, phone, current_role, claimed_role, note, status, created_at,
		        COALESCE(resolved_at, ''), COALESCE(resolved_role, '')
		 FROM mismatch_reports WHERE id = ?`, id)
	return scanReport(row)
}

// ListOpen returns unresolved reports, oldest first.
func (h *Handler) ListOpen(ctx context.Context) ([]MismatchReport, error) {
	ctx, span := tracer.Start(ctx, "escalation.list_open")
	defer span.End()

	rows, err := h.db.QueryContext(ctx,
		`SELECT id, session_id, phone, current_role, claimed_role, note, status, created_at,
		        COALESCE(resolved_at, ''), COALESCE(resolved_role, '')
		 FROM mismatch_reports WHERE status = ? ORDER BY created_at ASC`, StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("querying mismatch reports: %w", err)
	}
	defer rows.Close()

	var reports []MismatchReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, *r)
	}
	span.SetAttributes(attribute.Int("open_count", len(reports)))
	return reports, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(row rowScanner) (*MismatchReport, error) {
	var r MismatchReport
	var currentRole, claimedRole, resolvedRole string
	var resolvedAt interface{}
	err := row.Scan(&r.ID, &r.SessionID, &r.Phone, &currentRole, &claimedRole,
		&r.Note, &r.Status, &r.CreatedAt, &resolvedAt, &resolvedRole)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("mismatch report not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning mismatch report: %w", err)
	}
	r.CurrentRole = role.Role(currentRole)
	r.ClaimedRole = role.Role(claimedRole)
	r.ResolvedRole = role.Role(resolvedRole)
	if ts, ok := resolvedAt.(time.Time); ok {
		r.ResolvedAt = ts
	}
	return &r, nil
}
