package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collapsinghierarchy/blindreview/model"
	"github.com/collapsinghierarchy/blindreview/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

type pgStore struct{ db *pgxpool.Pool }

// Store builds on pgxpool and adds Migrate.
type Store interface {
	store.Store
	store.ProfessorSeeder
	Migrate(ctx context.Context) error
}

func NewStore(db *pgxpool.Pool) Store { return &pgStore{db: db} }

// Migrate applies the embedded schema. Statements are idempotent.
func (p *pgStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := p.db.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// -------- professors -------------------------------------------------------

func (p *pgStore) UpsertProfessor(ctx context.Context, profID, name string) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO professors (id, name) VALUES ($1,$2)
         ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, profID, name)
	return err
}

func (p *pgStore) ProfessorExists(ctx context.Context, profID string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM professors WHERE id=$1)`, profID).Scan(&exists)
	return exists, err
}

// -------- claims -----------------------------------------------------------

func (p *pgStore) InsertClaim(ctx context.Context, rec *model.ClaimRecord) error {
	tag, err := p.db.Exec(ctx,
		`INSERT INTO claim_records (user_hash, cycle_id, claimed_at)
         VALUES ($1,$2,$3)
         ON CONFLICT (user_hash, cycle_id) DO NOTHING`,
		rec.UserHash, rec.CycleID, rec.ClaimedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func (p *pgStore) GetClaim(ctx context.Context, userHash, cycleID string) (*model.ClaimRecord, error) {
	rec := model.ClaimRecord{UserHash: userHash, CycleID: cycleID}
	err := p.db.QueryRow(ctx,
		`SELECT claimed_at FROM claim_records WHERE user_hash=$1 AND cycle_id=$2`,
		userHash, cycleID).Scan(&rec.ClaimedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// -------- submissions ------------------------------------------------------

func (p *pgStore) BurnAndEnqueue(ctx context.Context, used *model.UsedToken, pending *model.PendingReview) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO used_tokens (token_uuid, cycle_id, prof_id, burned_at)
             VALUES ($1,$2,$3,$4)
             ON CONFLICT (token_uuid) DO NOTHING`,
			used.TokenUUID, used.CycleID, used.ProfID, used.BurnedAt)
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrDuplicate
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO pending_reviews (prof_id, cycle_id, key_scheme, encrypted_blob, encrypted_key, received_at)
             VALUES ($1,$2,$3,$4,$5,$6)`,
			pending.ProfID, pending.CycleID, pending.KeyScheme,
			pending.EncryptedBlob, pending.EncryptedKey, pending.ReceivedAt)
		return err
	})
}

// -------- shuffle ----------------------------------------------------------

func (p *pgStore) PendingGroups(ctx context.Context) ([]model.PendingGroup, error) {
	rows, err := p.db.Query(ctx,
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
		var g model.PendingGroup
		if err := rows.Scan(&g.ProfID, &g.CycleID, &g.Count, &g.OldestAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// PublishGroup locks the group's rows with FOR UPDATE SKIP LOCKED: a
// concurrent transaction skips them and sees a smaller (often empty) group.
func (p *pgStore) PublishGroup(ctx context.Context, profID, cycleID string, fn store.PublishFunc) (int, error) {
	published := 0
	err := pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, prof_id, cycle_id, key_scheme, encrypted_blob, encrypted_key, received_at
             FROM pending_reviews
             WHERE prof_id=$1 AND cycle_id=$2
             ORDER BY id
             FOR UPDATE SKIP LOCKED`, profID, cycleID)
		if err != nil {
			return err
		}
		var held []*model.PendingReview
		for rows.Next() {
			var r model.PendingReview
			if err := rows.Scan(&r.ID, &r.ProfID, &r.CycleID, &r.KeyScheme,
				&r.EncryptedBlob, &r.EncryptedKey, &r.ReceivedAt); err != nil {
				rows.Close()
				return err
			}
			held = append(held, &r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(held) == 0 {
			return nil
		}

		out, err := fn(held)
		if err != nil {
			return err
		}
		for _, pr := range out {
			content, err := json.Marshal(pr.Content)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO published_reviews (id, prof_id, cycle_id, content, published_at)
                 VALUES ($1,$2,$3,$4,$5)`,
				pr.ID, pr.ProfID, pr.CycleID, content, pr.PublishedAt); err != nil {
				return err
			}
		}

		ids := make([]int64, len(held))
		for i, r := range held {
			ids[i] = r.ID
		}
		if _, err := tx.Exec(ctx, `DELETE FROM pending_reviews WHERE id = ANY($1)`, ids); err != nil {
			return err
		}
		published = len(out)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return published, nil
}

func (p *pgStore) ListPublished(ctx context.Context, profID string) ([]*model.PublishedReview, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, prof_id, cycle_id, content, published_at
         FROM published_reviews
         WHERE prof_id=$1
         ORDER BY seq ASC`, profID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.PublishedReview
	for rows.Next() {
		var (
			r       model.PublishedReview
			content []byte
		)
		if err := rows.Scan(&r.ID, &r.ProfID, &r.CycleID, &content, &r.PublishedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(content, &r.Content); err != nil {
			return nil, fmt.Errorf("decode published content: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
