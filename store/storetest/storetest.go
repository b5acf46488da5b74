// Package storetest is a conformance suite every store.Store backend runs.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collapsinghierarchy/blindreview/model"
	"github.com/collapsinghierarchy/blindreview/store"
)

// Factory returns an empty store that knows the given professors.
type Factory func(t *testing.T, professors ...string) store.Store

// Run executes the whole suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("ClaimExactlyOnce", func(t *testing.T) { testClaimExactlyOnce(t, newStore) })
	t.Run("BurnExactlyOnce", func(t *testing.T) { testBurnExactlyOnce(t, newStore) })
	t.Run("Professors", func(t *testing.T) { testProfessors(t, newStore) })
	t.Run("PublishGroup", func(t *testing.T) { testPublishGroup(t, newStore) })
	t.Run("PublishRollback", func(t *testing.T) { testPublishRollback(t, newStore) })
	t.Run("ConcurrentPublishAtMostOnce", func(t *testing.T) { testConcurrentPublish(t, newStore) })
}

func testClaimExactlyOnce(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	var wins, dups atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InsertClaim(ctx, &model.ClaimRecord{UserHash: "user", CycleID: "2026-10", ClaimedAt: at})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, store.ErrDuplicate):
				dups.Add(1)
			default:
				t.Errorf("InsertClaim: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), dups.Load())

	rec, err := s.GetClaim(ctx, "user", "2026-10")
	require.NoError(t, err)
	assert.True(t, rec.ClaimedAt.Equal(at), "claimedAt = %v", rec.ClaimedAt)

	_, err = s.GetClaim(ctx, "user", "2026-11")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, s.InsertClaim(ctx, &model.ClaimRecord{UserHash: "user", CycleID: "2026-11", ClaimedAt: at}))
}

func pending(prof string, at time.Time) *model.PendingReview {
	return &model.PendingReview{
		ProfID: prof, CycleID: "2026-10", KeyScheme: "rsa-oaep-sha256",
		EncryptedBlob: []byte("blob"), EncryptedKey: []byte("key"), ReceivedAt: at,
	}
}

func burn(t *testing.T, s store.Store, token, prof string, at time.Time) {
	t.Helper()
	require.NoError(t, s.BurnAndEnqueue(context.Background(),
		&model.UsedToken{TokenUUID: token, CycleID: "2026-10", ProfID: prof, BurnedAt: at},
		pending(prof, at)))
}

func testBurnExactlyOnce(t *testing.T, newStore Factory) {
	s := newStore(t, "P1")
	ctx := context.Background()
	now := time.Now().UTC()

	var wins, dups atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.BurnAndEnqueue(ctx,
				&model.UsedToken{TokenUUID: "tok", CycleID: "2026-10", ProfID: "P1", BurnedAt: now},
				pending("P1", now))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, store.ErrDuplicate):
				dups.Add(1)
			default:
				t.Errorf("BurnAndEnqueue: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), dups.Load())

	groups, err := s.PendingGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 1, groups[0].Count, "a replayed token must never enqueue a second review")
}

func testProfessors(t *testing.T, newStore Factory) {
	s := newStore(t, "P1")
	ok, err := s.ProfessorExists(context.Background(), "P1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ProfessorExists(context.Background(), "P9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func publishAll(rows []*model.PendingReview) ([]*model.PublishedReview, error) {
	at := time.Now().UTC().Truncate(time.Millisecond)
	out := make([]*model.PublishedReview, len(rows))
	for i, r := range rows {
		out[i] = &model.PublishedReview{
			ID: uuid.New(), ProfID: r.ProfID, CycleID: r.CycleID, PublishedAt: at,
			Content: model.ReviewContent{Rating: 1 + i%5, Comment: fmt.Sprintf("review %d", i)},
		}
	}
	return out, nil
}

func testPublishGroup(t *testing.T, newStore Factory) {
	s := newStore(t, "P1", "P2")
	ctx := context.Background()
	t0 := time.Date(2026, 10, 2, 8, 0, 0, 0, time.UTC)
	burn(t, s, "a", "P1", t0.Add(time.Minute))
	burn(t, s, "b", "P1", t0)
	burn(t, s, "c", "P1", t0.Add(2*time.Minute))
	burn(t, s, "d", "P2", t0)

	groups, err := s.PendingGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "P1", groups[0].ProfID)
	assert.Equal(t, 3, groups[0].Count)
	assert.True(t, groups[0].OldestAt.Equal(t0), "oldest = %v", groups[0].OldestAt)

	var order []string
	n, err := s.PublishGroup(ctx, "P1", "2026-10", func(rows []*model.PendingReview) ([]*model.PublishedReview, error) {
		assert.Len(t, rows, 3)
		for _, r := range rows {
			assert.Equal(t, []byte("blob"), r.EncryptedBlob)
			assert.Equal(t, []byte("key"), r.EncryptedKey)
			assert.Equal(t, "rsa-oaep-sha256", r.KeyScheme)
		}
		out, err := publishAll(rows)
		// reverse, the store must keep the order it is given
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		for _, o := range out {
			order = append(order, o.Content.Comment)
		}
		return out, err
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	pub, err := s.ListPublished(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, pub, 3)
	for i, p := range pub {
		assert.Equal(t, order[i], p.Content.Comment)
		assert.Equal(t, "2026-10", p.CycleID)
	}

	groups, err = s.PendingGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "P2", groups[0].ProfID)

	n, err = s.PublishGroup(ctx, "P1", "2026-10", func([]*model.PendingReview) ([]*model.PublishedReview, error) {
		t.Error("fn called for an empty group")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testPublishRollback(t *testing.T, newStore Factory) {
	s := newStore(t, "P1")
	ctx := context.Background()
	burn(t, s, "a", "P1", time.Now().UTC())

	boom := errors.New("boom")
	_, err := s.PublishGroup(ctx, "P1", "2026-10", func([]*model.PendingReview) ([]*model.PublishedReview, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	groups, err := s.PendingGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 1, groups[0].Count)
	pub, err := s.ListPublished(ctx, "P1")
	require.NoError(t, err)
	assert.Empty(t, pub)
}

func testConcurrentPublish(t *testing.T, newStore Factory) {
	s := newStore(t, "P1")
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		burn(t, s, fmt.Sprintf("tok-%d", i), "P1", time.Now().UTC())
	}

	var handed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.PublishGroup(ctx, "P1", "2026-10", func(rows []*model.PendingReview) ([]*model.PublishedReview, error) {
				handed.Add(int32(len(rows)))
				time.Sleep(10 * time.Millisecond)
				return publishAll(rows)
			})
			if err != nil {
				t.Errorf("PublishGroup: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), handed.Load(), "every row handed out exactly once")
	pub, err := s.ListPublished(ctx, "P1")
	require.NoError(t, err)
	assert.Len(t, pub, 10)
}
