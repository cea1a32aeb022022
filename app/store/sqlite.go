package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite" // sqlite driver
)

const opTimeout = 5 * time.Second

// SaveRequest holds fields for creating or updating a settings record.
// ID is nil for a new record.
type SaveRequest struct {
	ID                *int64          `json:"id,omitempty"`
	JobID             string          `json:"jobId" validate:"required"`
	ManagerName       string          `json:"managerName" validate:"required"`
	Password          string          `json:"password" validate:"required"`
	SelectedQuestions json.RawMessage `json:"selectedQuestions" validate:"required"`
	CustomQuestions   json.RawMessage `json:"customQuestions" validate:"required"`
	CustomColumns     json.RawMessage `json:"customColumns" validate:"required"`
}

// Setting is a stored settings record without its password hash.
// Question and column payloads are kept as raw JSON and never interpreted here.
type Setting struct {
	ID                int64
	JobID             string
	ManagerName       string
	SelectedQuestions json.RawMessage
	CustomQuestions   json.RawMessage
	CustomColumns     json.RawMessage
	CreatedAt         time.Time
}

// Summary is the public projection of a settings record
type Summary struct {
	ID          int64
	JobID       string
	ManagerName string
	CreatedAt   time.Time
}

// settingRow maps the settings table
type settingRow struct {
	ID                int64   `db:"id"`
	JobID             string  `db:"job_id"`
	ManagerName       string  `db:"manager_name"`
	PasswordHash      string  `db:"password_hash"`
	SelectedQuestions string  `db:"selected_questions"`
	CustomQuestions   string  `db:"custom_questions"`
	CustomColumns     string  `db:"custom_columns"`
	CreatedAt         sqlTime `db:"created_at"`
}

// SQLiteStore implements settings persistence using SQLite
type SQLiteStore struct {
	db       *sqlx.DB
	validate *validator.Validate
	hashCost int
}

// NewSQLiteStore opens (or creates) the database at dbPath and makes sure the schema exists
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single connection serializes writers, sqlite allows only one anyway
	db.SetMaxOpenConns(1)

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, validate: newValidator(), hashCost: bcrypt.DefaultCost}
	if err := s.initialize(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (also failed to close db: %v)", err, closeErr)
		}
		return nil, err
	}
	return s, nil
}

// initialize creates the database schema
func (s *SQLiteStore) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			manager_name TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			selected_questions TEXT NOT NULL,
			custom_questions TEXT NOT NULL,
			custom_columns TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`,
		`CREATE INDEX IF NOT EXISTS idx_settings_created_at ON settings(created_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// Reset drops all stored settings and recreates an empty table
func (s *SQLiteStore) Reset() error {
	if _, err := s.db.Exec(`DROP TABLE IF EXISTS settings`); err != nil {
		return fmt.Errorf("failed to drop settings: %w", err)
	}
	return s.initialize()
}

// Save creates a new record if req.ID is nil, otherwise overwrites the existing record after
// verifying the password. Returns id of the saved record.
func (s *SQLiteStore) Save(ctx context.Context, req SaveRequest) (int64, error) {
	if err := s.validateSave(req); err != nil {
		return 0, err
	}

	hash, err := hashPassword(req.Password, s.hashCost)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if req.ID == nil {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO settings (job_id, manager_name, password_hash, selected_questions, custom_questions, custom_columns)
			VALUES (?, ?, ?, ?, ?, ?)`,
			req.JobID, req.ManagerName, hash,
			string(req.SelectedQuestions), string(req.CustomQuestions), string(req.CustomColumns))
		if err != nil {
			return 0, fmt.Errorf("failed to insert settings: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to get id of inserted settings: %w", err)
		}
		log.Printf("[DEBUG] settings %d created for job %s", id, req.JobID)
		return id, nil
	}

	id := *req.ID
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.authorize(ctx, tx, id, req.Password); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE settings
			SET job_id = ?, manager_name = ?, password_hash = ?,
				selected_questions = ?, custom_questions = ?, custom_columns = ?
			WHERE id = ?`,
			req.JobID, req.ManagerName, hash,
			string(req.SelectedQuestions), string(req.CustomQuestions), string(req.CustomColumns), id)
		if err != nil {
			return fmt.Errorf("failed to update settings %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Printf("[DEBUG] settings %d updated for job %s", id, req.JobID)
	return id, nil
}

// List returns summaries of all records, newest first
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows := []settingRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, job_id, manager_name, created_at
		FROM settings
		ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}

	res := make([]Summary, 0, len(rows))
	for _, r := range rows {
		res = append(res, Summary{ID: r.ID, JobID: r.JobID, ManagerName: r.ManagerName, CreatedAt: r.CreatedAt.Time})
	}
	return res, nil
}

// Load returns the record with the given id if password matches
func (s *SQLiteStore) Load(ctx context.Context, id int64, password string) (Setting, error) {
	if password == "" {
		return Setting{}, fmt.Errorf("%w: password is required", ErrValidation)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row, err := s.authorize(ctx, s.db, id, password)
	if err != nil {
		return Setting{}, err
	}

	return Setting{
		ID:                row.ID,
		JobID:             row.JobID,
		ManagerName:       row.ManagerName,
		SelectedQuestions: json.RawMessage(row.SelectedQuestions),
		CustomQuestions:   json.RawMessage(row.CustomQuestions),
		CustomColumns:     json.RawMessage(row.CustomColumns),
		CreatedAt:         row.CreatedAt.Time,
	}, nil
}

// Delete removes the record with the given id permanently if password matches
func (s *SQLiteStore) Delete(ctx context.Context, id int64, password string) error {
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrValidation)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.authorize(ctx, tx, id, password); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM settings WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete settings %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("[DEBUG] settings %d deleted", id)
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// authorize loads the record and checks password against its hash.
// All password-gated operations go through it.
func (s *SQLiteStore) authorize(ctx context.Context, q sqlx.QueryerContext, id int64, password string) (settingRow, error) {
	var row settingRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT id, job_id, manager_name, password_hash, selected_questions, custom_questions, custom_columns, created_at
		FROM settings
		WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return settingRow{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return settingRow{}, fmt.Errorf("failed to get settings %d: %w", id, err)
	}

	if v := Verify(row.PasswordHash, password); v != VerdictMatch {
		log.Printf("[DEBUG] password %s for settings %d", v, id)
		return settingRow{}, fmt.Errorf("%w: settings %d", ErrUnauthorized, id)
	}
	return row, nil
}

// withTx runs fn in a transaction, rolled back on any error
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) validateSave(req SaveRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
		}
		sort.Strings(fields)
		return fmt.Errorf("%w: missing required fields: %s", ErrValidation, strings.Join(fields, ", "))
	}

	payloads := map[string]json.RawMessage{
		"selectedQuestions": req.SelectedQuestions,
		"customQuestions":   req.CustomQuestions,
		"customColumns":     req.CustomColumns,
	}
	for name, p := range payloads {
		if !json.Valid(p) {
			return fmt.Errorf("%w: %s is not valid json", ErrValidation, name)
		}
	}
	return nil
}

// newValidator makes validator reporting fields by their json names
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// sqlTime scans created_at stored either as unix seconds or as sqlite timestamp text,
// the latter is what databases created by older installations have
type sqlTime struct {
	time.Time
}

// Scan implements sql.Scanner
func (t *sqlTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
	case int64:
		t.Time = time.Unix(v, 0).UTC()
	case time.Time:
		t.Time = v.UTC()
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported created_at type %T", src)
	}
	return nil
}

func (t *sqlTime) parse(s string) error {
	for _, layout := range []string{time.DateTime, time.RFC3339Nano, "2006-01-02 15:04:05.999999999"} {
		if ts, err := time.Parse(layout, s); err == nil {
			t.Time = ts.UTC()
			return nil
		}
	}
	return fmt.Errorf("can't parse created_at %q", s)
}
