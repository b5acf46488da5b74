package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collapsinghierarchy/blindreview/model"
	"github.com/collapsinghierarchy/blindreview/service"
	"github.com/collapsinghierarchy/blindreview/store/memory"
)

// TestAnonymousReviewLifecycle walks one cycle end to end: a three token
// claim, a refused second claim, a replayed credential, and a professor
// whose reviews wait for a third co-submitter before publishing together.
func TestAnonymousReviewLifecycle(t *testing.T) {
	h := newHarness(t, service.Policy{MinBatch: 3, MaxDelay: 72 * time.Hour}, "P1", "P2", "P3")
	ctx := context.Background()

	creds := h.claimCredentials(t, student, "P1", "P2", "P3")
	require.Len(t, creds, 3)
	assert.Equal(t, 1, h.store.ClaimCount())

	_, err := h.tryClaim(student, "P1")
	assert.ErrorIs(t, err, service.ErrAlreadyClaimed)
	assert.Equal(t, service.KindQuotaExceeded, service.KindOf(err))

	first := h.sealed(t, creds[0], model.ReviewContent{Rating: 5, Comment: "first"})
	require.NoError(t, h.submit.Submit(ctx, first))
	assert.ErrorIs(t, h.submit.Submit(ctx, first), service.ErrTokenAlreadyUsed)

	other := model.Identity{Email: "other@uni.example", EmailVerified: true}
	second := h.claimCredentials(t, other, "P1")[0]
	require.NoError(t, h.submit.Submit(ctx, h.sealed(t, second, model.ReviewContent{Rating: 3, Comment: "second"})))

	listing, err := h.reviews.ListReviews(ctx, "P1")
	require.NoError(t, err)
	assert.Empty(t, listing.Reviews, "two reviews are below the anonymity threshold")
	assert.Len(t, h.store.PendingRows(), 2)

	third := h.claimCredentials(t, model.Identity{Email: "third@uni.example", EmailVerified: true}, "P1")[0]
	require.NoError(t, h.submit.Submit(ctx, h.sealed(t, third, model.ReviewContent{Rating: 1, Comment: "third"})))

	listing, err = h.reviews.ListReviews(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, listing.Reviews, 3)
	require.NotNil(t, listing.Shuffle)
	assert.Equal(t, 3, listing.Shuffle.Published)
	assert.Empty(t, h.store.PendingRows())

	comments := map[string]bool{}
	for _, r := range listing.Reviews {
		comments[r.Content.Comment] = true
	}
	assert.Equal(t, map[string]bool{"first": true, "second": true, "third": true}, comments)
}

func TestNoIdentityLeakage(t *testing.T) {
	h := newHarness(t, service.Policy{MinBatch: 2, MaxDelay: time.Hour}, "P1")
	ctx := context.Background()
	emails := []string{"alice.leak@uni.example", "bob.leak@uni.example"}
	for _, e := range emails {
		c := h.claimCredentials(t, model.Identity{Email: e, EmailVerified: true}, "P1")[0]
		require.NoError(t, h.submit.Submit(ctx, h.sealed(t, c, goodReview)))
	}

	for _, row := range h.store.PendingRows() {
		raw, err := json.Marshal(row)
		require.NoError(t, err)
		for _, e := range emails {
			assert.False(t, bytes.Contains(raw, []byte(e)))
			assert.False(t, bytes.Contains(raw, []byte(strings.Split(e, "@")[0])))
		}
	}

	listing, err := h.reviews.ListReviews(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, listing.Reviews, 2)
	raw, err := json.Marshal(listing.Reviews)
	require.NoError(t, err)
	for _, e := range emails {
		assert.False(t, bytes.Contains(raw, []byte(e)))
	}
	assert.NotContains(t, string(raw), "ReceivedAt")
}

func TestListReviews_UnknownProfessor(t *testing.T) {
	h := newHarness(t, service.DefaultPolicy(), "P1")
	_, err := h.reviews.ListReviews(context.Background(), "P404")
	assert.ErrorIs(t, err, service.ErrProfessorNotFound)
}

type brokenShuffler struct{}

func (brokenShuffler) TryShuffle(context.Context) (*service.ShuffleResult, error) {
	return nil, errors.New("shuffle down")
}

func TestListReviews_ShuffleFailureDoesNotFailRead(t *testing.T) {
	st := memory.New("P1")
	svc := service.NewReviewService(st, brokenShuffler{}, nil)
	listing, err := svc.ListReviews(context.Background(), "P1")
	require.NoError(t, err)
	assert.Nil(t, listing.Shuffle)
	assert.NotNil(t, listing.Reviews)
	assert.Empty(t, listing.Reviews)
}

func TestUserHasher(t *testing.T) {
	_, err := service.NewUserHasher([]byte("short"))
	assert.Error(t, err)

	a, err := service.NewUserHasher([]byte("0123456789abcdef"))
	require.NoError(t, err)
	b, err := service.NewUserHasher([]byte("fedcba9876543210"))
	require.NoError(t, err)

	assert.Equal(t, a.Hash("Alice@Uni.Example "), a.Hash("alice@uni.example"))
	assert.NotEqual(t, a.Hash("alice@uni.example"), b.Hash("alice@uni.example"), "the hash is keyed")
	assert.Len(t, a.Hash("x"), 64)
}
