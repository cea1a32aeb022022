package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	store.hashCost = bcrypt.MinCost
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRequest() SaveRequest {
	return SaveRequest{
		JobID:             "J1",
		ManagerName:       "Alice",
		Password:          "p1",
		SelectedQuestions: json.RawMessage(`["q1"]`),
		CustomQuestions:   json.RawMessage(`[]`),
		CustomColumns:     json.RawMessage(`["name"]`),
	}
}

func TestNewSQLiteStore(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		assert.NotNil(t, store)
		require.NoError(t, store.Close())
	})

	t.Run("invalid path", func(t *testing.T) {
		store, err := NewSQLiteStore("/invalid/path/that/does/not/exist/test.db")
		assert.Error(t, err)
		assert.Nil(t, store)
	})

	t.Run("table created in wal mode", func(t *testing.T) {
		store := newTestStore(t)
		var count int
		err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='settings'").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		var mode string
		require.NoError(t, store.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
		assert.Equal(t, "wal", mode)
	})

	t.Run("existing records kept on reopen", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")
		store, err := NewSQLiteStore(dbPath)
		require.NoError(t, err)
		store.hashCost = bcrypt.MinCost
		id, err := store.Save(context.Background(), sampleRequest())
		require.NoError(t, err)
		require.NoError(t, store.Close())

		store, err = NewSQLiteStore(dbPath)
		require.NoError(t, err)
		defer store.Close()
		rec, err := store.Load(context.Background(), id, "p1")
		require.NoError(t, err)
		assert.Equal(t, "J1", rec.JobID)
	})
}

func TestSQLiteStore_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Save(ctx, sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	rec, err := store.Load(ctx, id, "p1")
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "J1", rec.JobID)
	assert.Equal(t, "Alice", rec.ManagerName)
	assert.JSONEq(t, `["q1"]`, string(rec.SelectedQuestions))
	assert.JSONEq(t, `[]`, string(rec.CustomQuestions))
	assert.JSONEq(t, `["name"]`, string(rec.CustomColumns))
	assert.WithinDuration(t, time.Now(), rec.CreatedAt, 5*time.Second)

	// password is never stored in plain text
	var hash string
	require.NoError(t, store.db.Get(&hash, "SELECT password_hash FROM settings WHERE id = ?", id))
	assert.NotEqual(t, "p1", hash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("p1")))
}

func TestSQLiteStore_SaveRoundTripPayloads(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	req := sampleRequest()
	req.SelectedQuestions = json.RawMessage(`[{"id":1,"title":"Why us?","tags":["a","b"]},{"id":2,"nested":{"x":null,"y":1.5}}]`)
	req.CustomQuestions = json.RawMessage(`{"extra":{"enabled":true,"order":[3,1,2]}}`)
	req.CustomColumns = json.RawMessage(`"single"`)

	id, err := store.Save(ctx, req)
	require.NoError(t, err)

	rec, err := store.Load(ctx, id, "p1")
	require.NoError(t, err)
	assert.JSONEq(t, string(req.SelectedQuestions), string(rec.SelectedQuestions))
	assert.JSONEq(t, string(req.CustomQuestions), string(rec.CustomQuestions))
	assert.JSONEq(t, string(req.CustomColumns), string(rec.CustomColumns))
}

func TestSQLiteStore_SaveNewIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seen := map[int64]bool{}
	for i := 0; i < 5; i++ {
		id, err := store.Save(ctx, sampleRequest())
		require.NoError(t, err)
		assert.False(t, seen[id], "id %d reused", id)
		seen[id] = true
	}

	// ids are not reused after delete
	require.NoError(t, store.Delete(ctx, 5, "p1"))
	id, err := store.Save(ctx, sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(6), id)
}

func TestSQLiteStore_Update(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Save(ctx, sampleRequest())
	require.NoError(t, err)
	before, err := store.Load(ctx, id, "p1")
	require.NoError(t, err)

	t.Run("correct password overwrites all fields", func(t *testing.T) {
		req := SaveRequest{
			ID:                &id,
			JobID:             "J2",
			ManagerName:       "Bob",
			Password:          "p1",
			SelectedQuestions: json.RawMessage(`["q2","q3"]`),
			CustomQuestions:   json.RawMessage(`[{"q":"extra"}]`),
			CustomColumns:     json.RawMessage(`[]`),
		}
		gotID, err := store.Save(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, id, gotID)

		rec, err := store.Load(ctx, id, "p1")
		require.NoError(t, err)
		assert.Equal(t, "J2", rec.JobID)
		assert.Equal(t, "Bob", rec.ManagerName)
		assert.JSONEq(t, `["q2","q3"]`, string(rec.SelectedQuestions))
		assert.JSONEq(t, `[{"q":"extra"}]`, string(rec.CustomQuestions))
		assert.JSONEq(t, `[]`, string(rec.CustomColumns))
		assert.Equal(t, before.CreatedAt, rec.CreatedAt, "created_at is immutable")

		summaries, err := store.List(ctx)
		require.NoError(t, err)
		assert.Len(t, summaries, 1)
	})

	t.Run("wrong password is unauthorized and changes nothing", func(t *testing.T) {
		req := sampleRequest()
		req.ID = &id
		req.Password = "wrong"
		req.JobID = "J3"
		_, err := store.Save(ctx, req)
		require.ErrorIs(t, err, ErrUnauthorized)

		rec, err := store.Load(ctx, id, "p1")
		require.NoError(t, err)
		assert.Equal(t, "J2", rec.JobID)
	})

	t.Run("missing id is not found", func(t *testing.T) {
		missing := int64(100)
		req := sampleRequest()
		req.ID = &missing
		_, err := store.Save(ctx, req)
		require.ErrorIs(t, err, ErrNotFound)

		summaries, err := store.List(ctx)
		require.NoError(t, err)
		assert.Len(t, summaries, 1, "no row inserted for unknown id")
	})
}

func TestSQLiteStore_SaveValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		modify func(r *SaveRequest)
		errMsg string
	}{
		{"missing job id", func(r *SaveRequest) { r.JobID = "" }, "jobId"},
		{"missing manager name", func(r *SaveRequest) { r.ManagerName = "" }, "managerName"},
		{"missing password", func(r *SaveRequest) { r.Password = "" }, "password"},
		{"missing selected questions", func(r *SaveRequest) { r.SelectedQuestions = nil }, "selectedQuestions"},
		{"missing custom questions", func(r *SaveRequest) { r.CustomQuestions = nil }, "customQuestions"},
		{"missing custom columns", func(r *SaveRequest) { r.CustomColumns = nil }, "customColumns"},
		{"several missing", func(r *SaveRequest) { r.JobID, r.Password = "", "" }, "jobId, password"},
		{"invalid json payload", func(r *SaveRequest) { r.CustomColumns = json.RawMessage(`[1,`) }, "customColumns is not valid json"},
		{"password too long", func(r *SaveRequest) { r.Password = string(make([]byte, 73)) }, "longer than 72 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := sampleRequest()
			tt.modify(&req)
			_, err := store.Save(ctx, req)
			require.ErrorIs(t, err, ErrValidation)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	summaries, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, summaries, "failed saves leave no rows")
}

func TestSQLiteStore_List(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		res, err := store.List(ctx)
		require.NoError(t, err)
		assert.NotNil(t, res)
		assert.Empty(t, res)
	})

	t.Run("newest first", func(t *testing.T) {
		for i, name := range []string{"first", "second", "third"} {
			req := sampleRequest()
			req.ManagerName = name
			id, err := store.Save(ctx, req)
			require.NoError(t, err)
			// spread creation times so ordering doesn't depend on id tie-break only
			_, err = store.db.Exec("UPDATE settings SET created_at = ? WHERE id = ?", 1700000000+i*60, id)
			require.NoError(t, err)
		}

		res, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, res, 3)
		assert.Equal(t, "third", res[0].ManagerName)
		assert.Equal(t, "second", res[1].ManagerName)
		assert.Equal(t, "first", res[2].ManagerName)
		assert.Equal(t, time.Unix(1700000120, 0).UTC(), res[0].CreatedAt)
		assert.Equal(t, "J1", res[0].JobID)
	})

	t.Run("same second ordered by id", func(t *testing.T) {
		_, err := store.db.Exec("UPDATE settings SET created_at = 1700000000")
		require.NoError(t, err)
		res, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, res, 3)
		assert.Equal(t, []int64{3, 2, 1}, []int64{res[0].ID, res[1].ID, res[2].ID})
	})
}

func TestSQLiteStore_Load(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.Save(ctx, sampleRequest())
	require.NoError(t, err)

	_, err = store.Load(ctx, id, "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = store.Load(ctx, 42, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Load(ctx, 42, "wrong")
	assert.ErrorIs(t, err, ErrNotFound, "missing id reported before password check")

	_, err = store.Load(ctx, id, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSQLiteStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.Save(ctx, sampleRequest())
	require.NoError(t, err)

	err = store.Delete(ctx, id, "wrong")
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = store.Load(ctx, id, "p1")
	require.NoError(t, err, "record kept after unauthorized delete")

	err = store.Delete(ctx, 42, "p1")
	require.ErrorIs(t, err, ErrNotFound)

	err = store.Delete(ctx, id, "")
	require.ErrorIs(t, err, ErrValidation)

	require.NoError(t, store.Delete(ctx, id, "p1"))
	_, err = store.Load(ctx, id, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.Delete(ctx, id, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_Reset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Save(ctx, sampleRequest())
	require.NoError(t, err)

	require.NoError(t, store.Reset())
	res, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, res)

	id, err := store.Save(ctx, sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(1), id, "autoincrement restarts on fresh table")
}

func TestSQLiteStore_LegacyDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "settings.db")
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	store.hashCost = bcrypt.MinCost
	defer store.Close()

	// recreate table the way older installations did: sha256 hex hashes and text timestamps
	_, err = store.db.Exec(`DROP TABLE settings`)
	require.NoError(t, err)
	_, err = store.db.Exec(`CREATE TABLE settings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		manager_name TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		selected_questions TEXT NOT NULL,
		custom_questions TEXT NOT NULL,
		custom_columns TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	require.NoError(t, err)
	sum := sha256.Sum256([]byte("legacy"))
	_, err = store.db.Exec(`INSERT INTO settings (job_id, manager_name, password_hash, selected_questions, custom_questions, custom_columns, created_at)
		VALUES ('J9', 'Carol', ?, '["q"]', '[]', '[]', '2024-03-01 10:20:30')`, hex.EncodeToString(sum[:]))
	require.NoError(t, err)

	ctx := context.Background()
	res, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC), res[0].CreatedAt)

	_, err = store.Load(ctx, 1, "wrong")
	require.ErrorIs(t, err, ErrUnauthorized)
	rec, err := store.Load(ctx, 1, "legacy")
	require.NoError(t, err)
	assert.Equal(t, "Carol", rec.ManagerName)

	// saving re-hashes with bcrypt
	id := int64(1)
	req := sampleRequest()
	req.ID, req.Password = &id, "legacy"
	_, err = store.Save(ctx, req)
	require.NoError(t, err)
	var hash string
	require.NoError(t, store.db.Get(&hash, "SELECT password_hash FROM settings WHERE id = 1"))
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("legacy")))
}

func TestSQLiteStore_ErrorsOnBrokenTable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.db.Exec("DROP TABLE settings")
	require.NoError(t, err)

	_, err = store.List(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query settings")

	_, err = store.Save(ctx, sampleRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert settings")

	_, err = store.Load(ctx, 1, "p1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
