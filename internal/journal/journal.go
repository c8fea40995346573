package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Entry is one tick as it happened.
type Entry struct {
	ID       string
	At       time.Time
	Distance float64
	Model    string
	Strategy string
	Reply    string
	Command  string
	Vetoed   bool
	HadImage bool
	HadAudio bool
	Error    string
	Elapsed  time.Duration
	Problems string
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Journal is the SQLite tick log.
type Journal struct {
	db *sql.DB
}

func Open(dbPath string) (*Journal, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	j := &Journal{db: db}
	if err := j.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := j.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) configure() error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := j.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ticks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			at TEXT NOT NULL,
			distance REAL NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL DEFAULT '',
			reply TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			vetoed INTEGER NOT NULL DEFAULT 0,
			had_image INTEGER NOT NULL DEFAULT 0,
			had_audio INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			elapsed_ms INTEGER NOT NULL DEFAULT 0,
			problems TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_at ON ticks(at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS ticks_fts USING fts5(
			reply,
			content='ticks',
			content_rowid='seq',
			tokenize='unicode61'
		)`,
		`CREATE TRIGGER IF NOT EXISTS ticks_ai AFTER INSERT ON ticks BEGIN
			INSERT INTO ticks_fts(rowid, reply) VALUES (new.seq, new.reply);
		END`,
		`CREATE TRIGGER IF NOT EXISTS ticks_ad AFTER DELETE ON ticks BEGIN
			INSERT INTO ticks_fts(ticks_fts, rowid, reply) VALUES('delete', old.seq, old.reply);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Record stores e, assigning an ID and timestamp when missing.
func (j *Journal) Record(e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := j.db.Exec(
		`INSERT INTO ticks (id, at, distance, model, strategy, reply, command, vetoed, had_image, had_audio, error, elapsed_ms, problems)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.At.UTC().Format(timeLayout), e.Distance, e.Model, e.Strategy, e.Reply, e.Command,
		boolToInt(e.Vetoed), boolToInt(e.HadImage), boolToInt(e.HadAudio), e.Error, e.Elapsed.Milliseconds(), e.Problems,
	)
	if err != nil {
		return "", fmt.Errorf("insert tick: %w", err)
	}
	return e.ID, nil
}

const selectColumns = `t.id, t.at, t.distance, t.model, t.strategy, t.reply, t.command, t.vetoed, t.had_image, t.had_audio, t.error, t.elapsed_ms, t.problems`

// Recent returns the newest ticks first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.Query(`SELECT `+selectColumns+` FROM ticks t ORDER BY t.seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent ticks: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Search finds ticks whose oracle reply matches all keywords.
func (j *Journal) Search(keywords string, limit int) ([]Entry, error) {
	terms := strings.Fields(keywords)
	if len(terms) == 0 {
		return nil, nil
	}
	for i, term := range terms {
		terms[i] = `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.Query(
		`SELECT `+selectColumns+` FROM ticks_fts f JOIN ticks t ON t.seq = f.rowid
		 WHERE ticks_fts MATCH ? ORDER BY t.seq DESC LIMIT ?`,
		strings.Join(terms, " AND "), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search ticks: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Prune deletes ticks recorded before cutoff.
func (j *Journal) Prune(cutoff time.Time) (int64, error) {
	res, err := j.db.Exec(`DELETE FROM ticks WHERE at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune ticks: %w", err)
	}
	return res.RowsAffected()
}

// Counts returns total ticks and how many were vetoed.
func (j *Journal) Counts() (total, vetoed int, err error) {
	err = j.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(vetoed), 0) FROM ticks`).Scan(&total, &vetoed)
	if err != nil {
		return 0, 0, fmt.Errorf("count ticks: %w", err)
	}
	return total, vetoed, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e                          Entry
			at                         string
			vetoed, hadImage, hadAudio int
			elapsed                    int64
		)
		if err := rows.Scan(&e.ID, &at, &e.Distance, &e.Model, &e.Strategy, &e.Reply, &e.Command,
			&vetoed, &hadImage, &hadAudio, &e.Error, &elapsed, &e.Problems); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		e.At, _ = time.Parse(timeLayout, at)
		e.Vetoed = vetoed != 0
		e.HadImage = hadImage != 0
		e.HadAudio = hadAudio != 0
		e.Elapsed = time.Duration(elapsed) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
