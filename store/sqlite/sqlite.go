// Package sqlite is the single-file backend for small deployments and the
// dev server. Writers are serialised on one connection; uniqueness still
// comes from the schema's primary keys.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/collapsinghierarchy/blindreview/model"
	"github.com/collapsinghierarchy/blindreview/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct{ db *sql.DB }

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database file at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", filepath.ToSlash(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		stmts, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(stmts)); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

// -------- professors -------------------------------------------------------

func (s *Store) UpsertProfessor(ctx context.Context, profID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO professors (id, name) VALUES (?, ?)
         ON CONFLICT (id) DO UPDATE SET name = excluded.name`, profID, name)
	return err
}

func (s *Store) ProfessorExists(ctx context.Context, profID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM professors WHERE id = ?`, profID).Scan(&n)
	return n > 0, err
}

// -------- claims -----------------------------------------------------------

func (s *Store) InsertClaim(ctx context.Context, rec *model.ClaimRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO claim_records (user_hash, cycle_id, claimed_at) VALUES (?, ?, ?)
         ON CONFLICT (user_hash, cycle_id) DO NOTHING`,
		rec.UserHash, rec.CycleID, micros(rec.ClaimedAt))
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func (s *Store) GetClaim(ctx context.Context, userHash, cycleID string) (*model.ClaimRecord, error) {
	var at int64
	err := s.db.QueryRowContext(ctx,
		`SELECT claimed_at FROM claim_records WHERE user_hash = ? AND cycle_id = ?`,
		userHash, cycleID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model.ClaimRecord{UserHash: userHash, CycleID: cycleID, ClaimedAt: fromMicros(at)}, nil
}

// -------- submissions ------------------------------------------------------

func (s *Store) BurnAndEnqueue(ctx context.Context, used *model.UsedToken, pending *model.PendingReview) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO used_tokens (token_uuid, cycle_id, prof_id, burned_at) VALUES (?, ?, ?, ?)
         ON CONFLICT (token_uuid) DO NOTHING`,
		used.TokenUUID, used.CycleID, used.ProfID, micros(used.BurnedAt))
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrDuplicate
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO pending_reviews (prof_id, cycle_id, key_scheme, encrypted_blob, encrypted_key, received_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		pending.ProfID, pending.CycleID, pending.KeyScheme,
		pending.EncryptedBlob, pending.EncryptedKey, micros(pending.ReceivedAt)); err != nil {
		return err
	}
	return tx.Commit()
}

// -------- shuffle ----------------------------------------------------------

func (s *Store) PendingGroups(ctx context.Context) ([]model.PendingGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT prof_id, cycle_id, COUNT(*), MIN(received_at)
         FROM pending_reviews
         GROUP BY prof_id, cycle_id
         ORDER BY prof_id, cycle_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []model.PendingGroup
	for rows.Next() {
		var (
			g      model.PendingGroup
			oldest int64
		)
		if err := rows.Scan(&g.ProfID, &g.CycleID, &g.Count, &oldest); err != nil {
			return nil, err
		}
		g.OldestAt = fromMicros(oldest)
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// PublishGroup claims the group with DELETE ... RETURNING inside an
// immediate transaction. A rollback puts the rows back.
func (s *Store) PublishGroup(ctx context.Context, profID, cycleID string, fn store.PublishFunc) (n int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx,
		`DELETE FROM pending_reviews
         WHERE prof_id = ? AND cycle_id = ?
         RETURNING id, prof_id, cycle_id, key_scheme, encrypted_blob, encrypted_key, received_at`,
		profID, cycleID)
	if err != nil {
		return 0, err
	}
	var held []*model.PendingReview
	for rows.Next() {
		var (
			r  model.PendingReview
			at int64
		)
		if err = rows.Scan(&r.ID, &r.ProfID, &r.CycleID, &r.KeyScheme,
			&r.EncryptedBlob, &r.EncryptedKey, &at); err != nil {
			rows.Close()
			return 0, err
		}
		r.ReceivedAt = fromMicros(at)
		held = append(held, &r)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}
	if len(held) == 0 {
		return 0, tx.Commit()
	}
	sort.Slice(held, func(i, j int) bool { return held[i].ID < held[j].ID })

	out, err := fn(held)
	if err != nil {
		return 0, err
	}
	for _, pr := range out {
		var content []byte
		if content, err = json.Marshal(pr.Content); err != nil {
			return 0, err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO published_reviews (id, prof_id, cycle_id, content, published_at)
             VALUES (?, ?, ?, ?, ?)`,
			pr.ID.String(), pr.ProfID, pr.CycleID, string(content), micros(pr.PublishedAt)); err != nil {
			return 0, err
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return len(out), nil
}

func (s *Store) ListPublished(ctx context.Context, profID string) ([]*model.PublishedReview, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, prof_id, cycle_id, content, published_at
         FROM published_reviews
         WHERE prof_id = ?
         ORDER BY seq ASC`, profID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.PublishedReview
	for rows.Next() {
		var (
			r       model.PublishedReview
			id      string
			content string
			at      int64
		)
		if err := rows.Scan(&id, &r.ProfID, &r.CycleID, &content, &at); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("decode published id: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &r.Content); err != nil {
			return nil, fmt.Errorf("decode published content: %w", err)
		}
		r.PublishedAt = fromMicros(at)
		out = append(out, &r)
	}
	return out, rows.Err()
}
