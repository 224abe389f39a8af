package role

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/leadgov-io/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/leadgov-io/warden/internal/role")

// LookupTimeout bounds a single Role Store lookup at session bind time.
const LookupTimeout = 5 * time.Second

// Store is the phone→role mapping consumed at session bind time.
// Lookup resolves to UNKNOWN on a miss; a miss is a valid outcome, not an
// error. Update is used only by the classification pipeline and the
// escalation handler; running sessions never call it.
type Store interface {
	Lookup(ctx context.Context, phone string) (Role, error)
	Update(ctx context.Context, phone string, r Role) error
}

// --- CSV-backed store ---

// CSVStore serves lookups from a classified-leads CSV. The file is read once
// at construction; Update rewrites it atomically and refreshes the in-memory
// view. Suits the single-process CLI path where the classification output
// file is the system of record.
type CSVStore struct {
	path  string
	mu    sync.RWMutex
	roles map[string]Role
	leads []Lead
}

// NewCSVStore loads the classified leads file at path. A missing file yields
// an empty store (every lookup resolves to UNKNOWN) rather than an error, so
// the chat path works before classification has ever run.
func NewCSVStore(path string) (*CSVStore, error) {
	s := &CSVStore{path: path, roles: make(map[string]Role)}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("opening classified leads file: %w", err)
	}
	defer f.Close()

	if err := s.load(f); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CSVStore) load(r io.Reader) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading classified leads header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	phoneIdx, okPhone := idx["Phone"]
	roleIdx, okRole := idx["Assigned_Role"]
	if !okPhone || !okRole {
		return fmt.Errorf("classified leads file missing Phone or Assigned_Role column")
	}

	field := func(record []string, i int) string {
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading classified leads row: %w", err)
		}
		phone := field(record, phoneIdx)
		if phone == "" {
			continue
		}
		r, parseErr := Parse(field(record, roleIdx))
		if parseErr != nil {
			r = RoleUnknown
		}
		s.roles[phone] = r
		lead := Lead{Phone: phone, Role: r}
		if i, ok := idx["Lead_ID"]; ok {
			lead.LeadID = field(record, i)
		}
		if i, ok := idx["Name"]; ok {
			lead.Name = field(record, i)
		}
		if i, ok := idx["Source_Number"]; ok {
			lead.Source = field(record, i)
		}
		s.leads = append(s.leads, lead)
	}
	return nil
}

// Lookup resolves phone to its classified role, or UNKNOWN on a miss.
func (s *CSVStore) Lookup(ctx context.Context, phone string) (Role, error) {
	_, span := tracer.Start(ctx, "role.lookup",
		trace.WithAttributes(attribute.String("store.kind", "csv")))
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.roles[strings.TrimSpace(phone)]; ok {
		span.SetAttributes(attribute.String("role", string(r)))
		return r, nil
	}
	span.SetAttributes(attribute.String("role", string(RoleUnknown)))
	return RoleUnknown, nil
}

// Update sets the role for phone and rewrites the backing file atomically.
// A phone not yet present is appended as a new lead row.
func (s *CSVStore) Update(ctx context.Context, phone string, r Role) error {
	_, span := tracer.Start(ctx, "role.update",
		trace.WithAttributes(
			attribute.String("store.kind", "csv"),
			attribute.String("role", string(r)),
		))
	defer span.End()

	if !r.Valid() {
		return fmt.Errorf("invalid role %q", r)
	}
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return fmt.Errorf("phone must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for i := range s.leads {
		if s.leads[i].Phone == phone {
			s.leads[i].Role = r
			found = true
		}
	}
	if !found {
		s.leads = append(s.leads, Lead{
			LeadID: fmt.Sprintf("LEAD-%04d", len(s.leads)+1),
			Phone:  phone,
			Role:   r,
		})
	}
	s.roles[phone] = r

	return writeClassified(s.path, s.leads)
}

// --- SQLite-backed store ---

// SQLStore serves lookups from a leads table in SQLite. Used by serve mode
// where concurrent sessions and the escalation handler share one store.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (creating if needed) the leads database at dbPath.
func NewSQLStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening leads database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS leads (
		phone TEXT PRIMARY KEY,
		lead_id TEXT,
		name TEXT,
		source TEXT,
		role TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating leads schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close releases the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Lookup resolves phone to its classified role, or UNKNOWN on a miss.
func (s *SQLStore) Lookup(ctx context.Context, phone string) (Role, error) {
	ctx, span := tracer.Start(ctx, "role.lookup",
		trace.WithAttributes(attribute.String("store.kind", "sql")))
	defer span.End()

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM leads WHERE phone = ?`, strings.TrimSpace(phone)).Scan(&raw)
	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.String("role", string(RoleUnknown)))
		return RoleUnknown, nil
	}
	if err != nil {
		return RoleUnknown, fmt.Errorf("querying lead role: %w", err)
	}

	r, err := Parse(raw)
	if err != nil {
		// Stored value predates the current taxonomy; treat as unclassified.
		return RoleUnknown, nil
	}
	span.SetAttributes(attribute.String("role", string(r)))
	return r, nil
}

// Update upserts the role for phone.
func (s *SQLStore) Update(ctx context.Context, phone string, r Role) error {
	ctx, span := tracer.Start(ctx, "role.update",
		trace.WithAttributes(
			attribute.String("store.kind", "sql"),
			attribute.String("role", string(r)),
		))
	defer span.End()

	if !r.Valid() {
		return fmt.Errorf("invalid role %q", r)
	}
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return fmt.Errorf("phone must not be empty")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (phone, role, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(phone) DO UPDATE SET role = excluded.role, updated_at = excluded.updated_at`,
		phone, string(r), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating lead role: %w", err)
	}
	return nil
}

// ImportLeads bulk-upserts classified leads, used to seed the SQL store from
// a classification run.
func (s *SQLStore) ImportLeads(ctx context.Context, leads []Lead) error {
	ctx, span := tracer.Start(ctx, "role.import_leads",
		trace.WithAttributes(attribute.Int("lead_count", len(leads))))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning import: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO leads (phone, lead_id, name, source, role, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(phone) DO UPDATE SET lead_id = excluded.lead_id, name = excluded.name,
		 source = excluded.source, role = excluded.role, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("preparing import: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, l := range leads {
		if l.Phone == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, l.Phone, l.LeadID, l.Name, l.Source, string(l.Role), now); err != nil {
			return fmt.Errorf("importing lead %s: %w", l.LeadID, err)
		}
	}
	return tx.Commit()
}
