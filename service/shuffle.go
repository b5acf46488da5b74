package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/collapsinghierarchy/blindreview/model"
	"github.com/collapsinghierarchy/blindreview/pkc/envelope"
	"github.com/collapsinghierarchy/blindreview/store"
)

const (
	DefaultMinBatch = 5
	DefaultMaxDelay = 72 * time.Hour
)

// Policy decides when a pending group may be published.
type Policy struct {
	MinBatch int
	MaxDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MinBatch: DefaultMinBatch, MaxDelay: DefaultMaxDelay}
}

// Eligible reports whether a group of count rows whose oldest row has waited
// oldestAge may be published.
func (p Policy) Eligible(count int, oldestAge time.Duration) bool {
	if count == 0 {
		return false
	}
	return count >= p.MinBatch || oldestAge >= p.MaxDelay
}

// KeyUnwrapper recovers a review's content key.
type KeyUnwrapper interface {
	UnwrapKey(scheme string, encryptedKey []byte, profID, cycleID string) ([]byte, error)
}

type GroupResult struct {
	ProfID    string `json:"profId"`
	CycleID   string `json:"cycleId"`
	Published int    `json:"published"`
	Discarded int    `json:"discarded"`
}

type ShuffleResult struct {
	Groups    []GroupResult `json:"groups"`
	Published int           `json:"published"`
	Discarded int           `json:"discarded"`
}

type GroupStatus struct {
	ProfID           string
	CycleID          string
	Pending          int
	OldestPendingAge time.Duration
	Eligible         bool
}

type ShuffleStatus struct {
	Groups []GroupStatus
	Policy Policy
}

var errNoLongerEligible = errors.New("group no longer eligible")

type ShuffleEngine struct {
	store    store.ShuffleStore
	keys     KeyUnwrapper
	policy   Policy
	now      func() time.Time
	random   io.Reader
	validate *validator.Validate
	log      *zap.Logger
}

// NewShuffleEngine returns an engine; now defaults to time.Now.
func NewShuffleEngine(st store.ShuffleStore, keys KeyUnwrapper, policy Policy, now func() time.Time, log *zap.Logger) *ShuffleEngine {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ShuffleEngine{
		store:    st,
		keys:     keys,
		policy:   policy,
		now:      now,
		random:   rand.Reader,
		validate: validator.New(),
		log:      log.Named("shuffle"),
	}
}

func (e *ShuffleEngine) Policy() Policy { return e.policy }

// TryShuffle publishes every eligible group. A failing group is rolled back
// and does not stop the others; the failures are returned joined.
func (e *ShuffleEngine) TryShuffle(ctx context.Context) (*ShuffleResult, error) {
	groups, err := e.store.PendingGroups(ctx)
	if err != nil {
		return nil, internal("pending groups", err)
	}
	now := e.now().UTC()
	res := &ShuffleResult{Groups: []GroupResult{}}
	var errs []error
	for _, g := range groups {
		if !e.policy.Eligible(g.Count, now.Sub(g.OldestAt)) {
			continue
		}
		gr, err := e.publish(ctx, g.ProfID, g.CycleID, now)
		if errors.Is(err, errNoLongerEligible) {
			continue
		}
		if err != nil {
			e.log.Error("publish group failed", zap.String("prof", g.ProfID), zap.String("cycle", g.CycleID), zap.Error(err))
			errs = append(errs, internal("publish group", err))
			continue
		}
		if gr.Published+gr.Discarded == 0 {
			continue
		}
		res.Groups = append(res.Groups, gr)
		res.Published += gr.Published
		res.Discarded += gr.Discarded
	}
	if res.Published > 0 || res.Discarded > 0 {
		e.log.Info("shuffle published", zap.Int("groups", len(res.Groups)),
			zap.Int("published", res.Published), zap.Int("discarded", res.Discarded))
	}
	return res, errors.Join(errs...)
}

func (e *ShuffleEngine) publish(ctx context.Context, profID, cycleID string, now time.Time) (GroupResult, error) {
	gr := GroupResult{ProfID: profID, CycleID: cycleID}
	discarded := 0
	n, err := e.store.PublishGroup(ctx, profID, cycleID, func(rows []*model.PendingReview) ([]*model.PublishedReview, error) {
		// the rows actually held may be fewer than the group we looked at
		oldest := rows[0].ReceivedAt
		for _, r := range rows[1:] {
			if r.ReceivedAt.Before(oldest) {
				oldest = r.ReceivedAt
			}
		}
		if !e.policy.Eligible(len(rows), now.Sub(oldest)) {
			return nil, errNoLongerEligible
		}

		publishedAt := now.Truncate(time.Microsecond)
		out := make([]*model.PublishedReview, 0, len(rows))
		discarded = 0
		for _, r := range rows {
			content, stage, err := e.open(r)
			if err != nil {
				e.log.Warn("discarding unreadable review",
					zap.String("prof", r.ProfID), zap.String("cycle", r.CycleID),
					zap.Int64("pending", r.ID), zap.String("stage", stage))
				discarded++
				continue
			}
			out = append(out, &model.PublishedReview{
				ID:          uuid.New(),
				ProfID:      r.ProfID,
				CycleID:     r.CycleID,
				Content:     content,
				PublishedAt: publishedAt,
			})
		}
		if err := e.permute(out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return gr, err
	}
	gr.Published = n
	gr.Discarded = discarded
	return gr, nil
}

// open decrypts and validates one row. stage names the failing step.
func (e *ShuffleEngine) open(r *model.PendingReview) (model.ReviewContent, string, error) {
	var c model.ReviewContent
	key, err := e.keys.UnwrapKey(r.KeyScheme, r.EncryptedKey, r.ProfID, r.CycleID)
	if err != nil {
		return c, "unwrap", err
	}
	plain, err := envelope.Open(key, r.EncryptedBlob, r.ProfID, r.CycleID)
	if err != nil {
		return c, "decrypt", err
	}
	if err := json.Unmarshal(plain, &c); err != nil {
		return c, "decode", err
	}
	if err := e.validate.Struct(c); err != nil {
		return c, "validate", err
	}
	return c, "", nil
}

// permute is a Fisher-Yates shuffle over crypto/rand.
func (e *ShuffleEngine) permute(items []*model.PublishedReview) error {
	for i := len(items) - 1; i > 0; i-- {
		j, err := rand.Int(e.random, big.NewInt(int64(i+1)))
		if err != nil {
			return fmt.Errorf("shuffle randomness: %w", err)
		}
		k := int(j.Int64())
		items[i], items[k] = items[k], items[i]
	}
	return nil
}

// Status is read-only.
func (e *ShuffleEngine) Status(ctx context.Context) (*ShuffleStatus, error) {
	groups, err := e.store.PendingGroups(ctx)
	if err != nil {
		return nil, internal("pending groups", err)
	}
	now := e.now().UTC()
	st := &ShuffleStatus{Groups: make([]GroupStatus, 0, len(groups)), Policy: e.policy}
	for _, g := range groups {
		age := now.Sub(g.OldestAt)
		if age < 0 {
			age = 0
		}
		st.Groups = append(st.Groups, GroupStatus{
			ProfID:           g.ProfID,
			CycleID:          g.CycleID,
			Pending:          g.Count,
			OldestPendingAge: age,
			Eligible:         e.policy.Eligible(g.Count, age),
		})
	}
	return st, nil
}
