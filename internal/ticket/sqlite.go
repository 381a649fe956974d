package ticket

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// Fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ticket store: open: %w", err)
	}

	// Enable WAL mode for better concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket store: wal: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	legacy, err := s.hasLegacySchema()
	if err != nil {
		return fmt.Errorf("ticket store: migrate: %w", err)
	}
	if legacy {
		return s.rebuildLegacy()
	}
	if _, err := s.db.Exec(createSQL); err != nil {
		return fmt.Errorf("ticket store: migrate: %w", err)
	}
	return nil
}

const createSQL = `
	CREATE TABLE IF NOT EXISTS tickets (
		ticket_key    TEXT PRIMARY KEY,
		ticket_id     TEXT NOT NULL,
		title         TEXT NOT NULL,
		category      TEXT NOT NULL,
		priority      TEXT NOT NULL,
		details       TEXT NOT NULL DEFAULT '{}',
		reasoning     TEXT NOT NULL DEFAULT '',
		source_id     TEXT NOT NULL,
		source_type   TEXT NOT NULL,
		review_status TEXT NOT NULL DEFAULT 'pending',
		run_id        TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tickets_ticket_id ON tickets(ticket_id);
	CREATE INDEX IF NOT EXISTS idx_tickets_category ON tickets(category);
	CREATE INDEX IF NOT EXISTS idx_tickets_priority ON tickets(priority);
	CREATE INDEX IF NOT EXISTS idx_tickets_run ON tickets(run_id);
`

// hasLegacySchema reports a tickets table keyed by ticket_id alone.
func (s *SQLiteStore) hasLegacySchema() (bool, error) {
	var cols, keyed int
	err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(name = 'ticket_key'), 0) FROM pragma_table_info('tickets')`).Scan(&cols, &keyed)
	if err != nil {
		return false, err
	}
	return cols > 0 && keyed == 0, nil
}

// rebuildLegacy moves rows from a ticket_id-keyed table into the keyed
// schema. Legacy ticket IDs were unique per source ID, so the derived keys
// are too.
func (s *SQLiteStore) rebuildLegacy() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("ticket store: rebuild: %w", err)
	}
	defer tx.Rollback()

	steps := []string{
		`ALTER TABLE tickets RENAME TO tickets_legacy`,
		`DROP INDEX IF EXISTS idx_tickets_category`,
		`DROP INDEX IF EXISTS idx_tickets_priority`,
		`DROP INDEX IF EXISTS idx_tickets_run`,
		createSQL,
		`INSERT OR IGNORE INTO tickets (ticket_key, ticket_id, title, category, priority, details, reasoning, source_id, source_type, review_status, run_id, created_at, updated_at)
		 SELECT lower(source_type) || ':' || source_id, ticket_id, title, category, priority, details, reasoning, source_id, source_type, review_status, run_id, created_at, updated_at
		 FROM tickets_legacy`,
		`DROP TABLE tickets_legacy`,
	}
	for _, step := range steps {
		if _, err := tx.Exec(step); err != nil {
			return fmt.Errorf("ticket store: rebuild: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ticket store: rebuild: commit: %w", err)
	}
	return nil
}

const upsertSQL = `
	INSERT INTO tickets (ticket_key, ticket_id, title, category, priority, details, reasoning, source_id, source_type, review_status, run_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?)
	ON CONFLICT(ticket_key) DO UPDATE SET
		ticket_id=excluded.ticket_id, title=excluded.title, category=excluded.category, priority=excluded.priority,
		details=excluded.details, reasoning=excluded.reasoning,
		review_status='pending', run_id=excluded.run_id, updated_at=excluded.updated_at
`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) upsert(e execer, key string, rec protocol.TicketRecord, runID string) error {
	details := rec.Details
	if details == "" {
		details = "{}"
	}
	ts := s.now().UTC().Format(timeLayout)
	_, err := e.Exec(upsertSQL, key, rec.TicketID, rec.Title, string(rec.Category), string(rec.Priority), details,
		rec.Reasoning, rec.SourceID, string(rec.SourceType), runID, ts, ts)
	return err
}

func (s *SQLiteStore) Save(rec protocol.TicketRecord, runID string) error {
	if err := s.upsert(s.db, Key(rec.SourceType, rec.SourceID, 1), rec, runID); err != nil {
		return fmt.Errorf("ticket store: save: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveBatch(recs []protocol.TicketRecord, runID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("ticket store: save batch: %w", err)
	}
	seen := make(map[string]int, len(recs))
	for _, rec := range recs {
		base := Key(rec.SourceType, rec.SourceID, 1)
		seen[base]++
		key := Key(rec.SourceType, rec.SourceID, seen[base])
		if err := s.upsert(tx, key, rec, runID); err != nil {
			tx.Rollback()
			return fmt.Errorf("ticket store: save batch: %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ticket store: save batch: commit: %w", err)
	}
	return nil
}

const selectColumns = "SELECT ticket_key, ticket_id, title, category, priority, details, reasoning, source_id, source_type, review_status, run_id, created_at, updated_at FROM tickets"

func (s *SQLiteStore) Get(id string) (*StoredTicket, error) {
	key, err := s.resolve(id)
	if err != nil {
		return nil, err
	}
	t, err := scanTicket(s.db.QueryRow(selectColumns+" WHERE ticket_key = ?", key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: get: %w", err)
	}
	return t, nil
}

// resolve maps a key or an unambiguous ticket ID to a key.
func (s *SQLiteStore) resolve(id string) (string, error) {
	rows, err := s.db.Query(`SELECT ticket_key FROM tickets WHERE ticket_key = ?
		UNION ALL SELECT ticket_key FROM (SELECT ticket_key FROM tickets WHERE ticket_id = ? LIMIT 2)`, id, id)
	if err != nil {
		return "", fmt.Errorf("ticket store: resolve: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return "", fmt.Errorf("ticket store: resolve: %w", err)
		}
		if k == id {
			return k, nil
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("ticket store: resolve: %w", err)
	}
	switch len(keys) {
	case 0:
		return "", fmt.Errorf("ticket %q: %w", id, ErrNotFound)
	case 1:
		return keys[0], nil
	}
	return "", fmt.Errorf("ticket %q: %w", id, ErrAmbiguous)
}

func (s *SQLiteStore) List(filter Filter) ([]*StoredTicket, error) {
	where, args := filter.where()
	query := selectColumns + where + " ORDER BY created_at DESC, ticket_key ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list: %w", err)
	}
	defer rows.Close()

	tickets := []*StoredTicket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list scan: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *SQLiteStore) Count(filter Filter) (int, error) {
	where, args := filter.where()
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM tickets"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ticket store: count: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) Override(id string, o Override) (*StoredTicket, error) {
	var (
		sets []string
		args []any
	)
	if o.Title != nil {
		if strings.TrimSpace(*o.Title) == "" {
			return nil, fmt.Errorf("title must not be empty: %w", ErrInvalidOverride)
		}
		sets = append(sets, "title = ?")
		args = append(args, *o.Title)
	}
	if o.Category != nil {
		c, ok := protocol.ParseCategory(string(*o.Category))
		if !ok {
			return nil, fmt.Errorf("unknown category %q: %w", *o.Category, ErrInvalidOverride)
		}
		sets = append(sets, "category = ?")
		args = append(args, string(c))
	}
	if o.Priority != nil {
		p, ok := protocol.ParsePriority(string(*o.Priority))
		if !ok {
			return nil, fmt.Errorf("unknown priority %q: %w", *o.Priority, ErrInvalidOverride)
		}
		sets = append(sets, "priority = ?")
		args = append(args, string(p))
	}
	if o.Details != nil {
		var v map[string]any
		if err := json.Unmarshal([]byte(*o.Details), &v); err != nil {
			return nil, fmt.Errorf("details must be a JSON object (%v): %w", err, ErrInvalidOverride)
		}
		sets = append(sets, "details = ?")
		args = append(args, *o.Details)
	}
	if o.ReviewStatus != nil {
		rs, ok := ParseReviewStatus(string(*o.ReviewStatus))
		if !ok {
			return nil, fmt.Errorf("unknown review status %q: %w", *o.ReviewStatus, ErrInvalidOverride)
		}
		sets = append(sets, "review_status = ?")
		args = append(args, string(rs))
	}
	key, err := s.resolve(id)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return s.Get(key)
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().UTC().Format(timeLayout), key)
	result, err := s.db.Exec("UPDATE tickets SET "+strings.Join(sets, ", ")+" WHERE ticket_key = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("ticket store: override: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("ticket %q: %w", id, ErrNotFound)
	}
	return s.Get(key)
}

func (s *SQLiteStore) Stats() (*Stats, error) {
	st := &Stats{
		ByCategory:     map[string]int{},
		ByPriority:     map[string]int{},
		ByReviewStatus: map[string]int{},
	}
	groups := []struct {
		column string
		into   map[string]int
	}{
		{"category", st.ByCategory},
		{"priority", st.ByPriority},
		{"review_status", st.ByReviewStatus},
	}
	for _, g := range groups {
		rows, err := s.db.Query("SELECT " + g.column + ", COUNT(*) FROM tickets GROUP BY " + g.column)
		if err != nil {
			return nil, fmt.Errorf("ticket store: stats: %w", err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("ticket store: stats scan: %w", err)
			}
			g.into[key] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("ticket store: stats: %w", err)
		}
	}
	for _, n := range st.ByCategory {
		st.Total += n
	}
	st.Fallback = st.ByCategory[string(protocol.CategoryError)]
	return st, nil
}

// DB returns the underlying database connection (for testing or direct access).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- helpers ---

func (f Filter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.Priority != "" {
		conds = append(conds, "priority = ?")
		args = append(args, string(f.Priority))
	}
	if f.SourceType != "" {
		conds = append(conds, "source_type = ?")
		args = append(args, string(f.SourceType))
	}
	if f.ReviewStatus != "" {
		conds = append(conds, "review_status = ?")
		args = append(args, string(f.ReviewStatus))
	}
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Query != "" {
		conds = append(conds, "(title LIKE ? OR details LIKE ?)")
		pattern := fmt.Sprintf("%%%s%%", f.Query)
		args = append(args, pattern, pattern)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTicket(s scannable) (*StoredTicket, error) {
	var (
		t                                             StoredTicket
		category, priority, sourceType, reviewStatus string
		createdAt, updatedAt                          string
	)
	err := s.Scan(&t.Key, &t.TicketID, &t.Title, &category, &priority, &t.Details, &t.Reasoning,
		&t.SourceID, &sourceType, &reviewStatus, &t.RunID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Category = protocol.Category(category)
	t.Priority = protocol.Priority(priority)
	t.SourceType = protocol.SourceType(sourceType)
	t.ReviewStatus = ReviewStatus(reviewStatus)
	t.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	t.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &t, nil
}
