package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/collapsinghierarchy/blindreview/model"
	"github.com/collapsinghierarchy/blindreview/store"
)

// Shuffler is satisfied by *ShuffleEngine.
type Shuffler interface {
	TryShuffle(ctx context.Context) (*ShuffleResult, error)
}

type ReviewStore interface {
	store.Professors
	ListPublished(ctx context.Context, profID string) ([]*model.PublishedReview, error)
}

type ReviewListing struct {
	ProfID  string
	Reviews []*model.PublishedReview
	// Shuffle is what the read's own shuffle pass published, nil if it failed.
	Shuffle *ShuffleResult
}

// ReviewService is the public read path. Every listing runs a shuffle pass
// first, which is how the queue drains without a background worker.
type ReviewService struct {
	store    ReviewStore
	shuffler Shuffler
	log      *zap.Logger
}

func NewReviewService(st ReviewStore, shuffler Shuffler, log *zap.Logger) *ReviewService {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReviewService{store: st, shuffler: shuffler, log: log.Named("reviews")}
}

func (s *ReviewService) ListReviews(ctx context.Context, profID string) (*ReviewListing, error) {
	if profID == "" {
		return nil, malformed("profId")
	}
	exists, err := s.store.ProfessorExists(ctx, profID)
	if err != nil {
		return nil, internal("professor lookup", err)
	}
	if !exists {
		return nil, ErrProfessorNotFound
	}

	shuffled, err := s.shuffler.TryShuffle(ctx)
	if err != nil {
		// the read still succeeds; the rows stay pending for the next pass
		s.log.Warn("lazy shuffle failed", zap.Error(err))
	}

	reviews, err := s.store.ListPublished(ctx, profID)
	if err != nil {
		return nil, internal("list published", err)
	}
	if reviews == nil {
		reviews = []*model.PublishedReview{}
	}
	return &ReviewListing{ProfID: profID, Reviews: reviews, Shuffle: shuffled}, nil
}
