package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const recordColumns = `id, question, answer, answered, updated_at, caller_phone, answered_on_call`

// Store is the SQLite-backed RecordStore. It also holds the learned
// knowledge table the compactor archives into.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ RecordStore = (*Store)(nil)

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "frontdesk.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// The dashboard and a second CLI process may write concurrently.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// --- Questions ---

func (s *Store) Exists(ctx context.Context, question string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE question_key = ?`, NormalizeQuestion(question)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Insert(ctx context.Context, question, callerPhone string) (InsertResult, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO questions (id, question, question_key, updated_at, caller_phone)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(question_key) DO NOTHING`,
		uuid.New().String(), strings.TrimSpace(question), NormalizeQuestion(question),
		s.timestamp(), normalizePhone(callerPhone),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting question: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return AlreadyExists, nil
	}
	return Created, nil
}

func (s *Store) Pending(ctx context.Context) ([]QuestionRecord, error) {
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM questions WHERE answered = 'no' ORDER BY seq ASC`)
}

func (s *Store) Answered(ctx context.Context, filter AnsweredFilter) ([]QuestionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM questions WHERE answered = 'yes' AND TRIM(answer) <> ''`
	var args []any
	if filter.Delivered != nil {
		query += ` AND answered_on_call = ?`
		args = append(args, formatBool(*filter.Delivered))
	}
	query += ` ORDER BY seq ASC`
	return s.queryRecords(ctx, query, args...)
}

func (s *Store) PeekAnswer(ctx context.Context, question string) (string, bool, error) {
	var answer, answered string
	err := s.db.QueryRowContext(ctx,
		`SELECT answer, answered FROM questions WHERE question_key = ?`, NormalizeQuestion(question),
	).Scan(&answer, &answered)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if parseStatus(answered) != StatusAnswered || strings.TrimSpace(answer) == "" {
		return "", false, nil
	}
	return answer, true, nil
}

func (s *Store) MarkAnswered(ctx context.Context, question string, delivered bool) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning mark transaction: %w", err)
	}
	defer tx.Rollback()

	key := NormalizeQuestion(question)
	var answer, phone, onCall string
	err = tx.QueryRowContext(ctx,
		`SELECT answer, caller_phone, answered_on_call FROM questions WHERE question_key = ?`, key,
	).Scan(&answer, &phone, &onCall)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(answer) == "" {
		return false, ErrEmptyAnswer
	}

	prior := parseBool(onCall)
	if _, err := tx.ExecContext(ctx,
		`UPDATE questions SET answered = 'yes', updated_at = ?, answered_on_call = ? WHERE question_key = ?`,
		s.timestamp(), formatBool(prior || delivered), key,
	); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing mark: %w", err)
	}
	return needsNotify(prior, phone, answer), nil
}

func (s *Store) SetAnswer(ctx context.Context, question, answer string) error {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return ErrEmptyAnswer
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE questions SET answer = ?, answered = 'yes', updated_at = ? WHERE question_key = ?`,
		answer, s.timestamp(), NormalizeQuestion(question),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) MarkDelivered(ctx context.Context, question string) (bool, error) {
	key := NormalizeQuestion(question)
	res, err := s.db.ExecContext(ctx,
		`UPDATE questions SET answered_on_call = 'true', updated_at = ? WHERE question_key = ? AND answered_on_call = 'false'`,
		s.timestamp(), key,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNotFound
	}
	return false, nil
}

// IsDelivered reports the delivered flag. A missing question is
// ErrNotFound.
func (s *Store) IsDelivered(ctx context.Context, question string) (bool, error) {
	var delivered string
	err := s.db.QueryRowContext(ctx,
		`SELECT answered_on_call FROM questions WHERE question_key = ?`, NormalizeQuestion(question),
	).Scan(&delivered)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return parseBool(delivered), nil
}

func (s *Store) Delete(ctx context.Context, question string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM questions WHERE question_key = ?`, NormalizeQuestion(question))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteAnswered(ctx context.Context, questions []string) (int, error) {
	if len(questions) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning prune transaction: %w", err)
	}
	defer tx.Rollback()

	removed := 0
	for _, q := range questions {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM questions WHERE question_key = ? AND answered = 'yes'`, NormalizeQuestion(q))
		if err != nil {
			return 0, fmt.Errorf("pruning %q: %w", q, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		removed += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}
	return removed, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN answered = 'yes' THEN 1 ELSE 0 END), 0)
		FROM questions`,
	).Scan(&st.Total, &st.Answered)
	if err != nil {
		return Stats{}, err
	}
	st.Unanswered = st.Total - st.Answered
	return st, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]QuestionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []QuestionRecord
	for rows.Next() {
		var r QuestionRecord
		var answered, updatedAt, onCall string
		if err := rows.Scan(&r.ID, &r.Question, &r.Answer, &answered, &updatedAt, &r.CallerPhone, &onCall); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		r.UpdatedAt = t
		r.Status = parseStatus(answered)
		r.Delivered = parseBool(onCall)
		results = append(results, r)
	}
	return results, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Learned knowledge ---

// KnowledgeEntry is a question/answer pair folded into long-term knowledge.
type KnowledgeEntry struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendKnowledge stores an archived pair.
func (s *Store) AppendKnowledge(ctx context.Context, question, answer string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO learned_knowledge (id, question, answer, created_at) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), question, answer, s.timestamp(),
	)
	return err
}

// LearnedKnowledge returns archived pairs, oldest first.
func (s *Store) LearnedKnowledge(ctx context.Context) ([]KnowledgeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT question, answer, created_at FROM learned_knowledge ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KnowledgeEntry
	for rows.Next() {
		var e KnowledgeEntry
		var createdAt string
		if err := rows.Scan(&e.Question, &e.Answer, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		e.CreatedAt = t
		out = append(out, e)
	}
	return out, rows.Err()
}
