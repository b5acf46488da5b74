// Package memory is an in-process Store. Every ledger insert is a
// compare-and-set under one mutex; pending rows handed to a PublishFunc are
// marked held so concurrent publishers skip them, mirroring SKIP LOCKED.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/collapsinghierarchy/blindreview/model"
	"github.com/collapsinghierarchy/blindreview/store"
)

type claimKey struct{ userHash, cycleID string }

type Store struct {
	mu         sync.Mutex
	professors map[string]struct{}
	claims     map[claimKey]model.ClaimRecord
	used       map[string]model.UsedToken
	pending    map[int64]*model.PendingReview
	held       map[int64]bool
	published  []*model.PublishedReview
	nextID     int64
}

var _ store.Store = (*Store)(nil)

func New(professors ...string) *Store {
	s := &Store{
		professors: make(map[string]struct{}),
		claims:     make(map[claimKey]model.ClaimRecord),
		used:       make(map[string]model.UsedToken),
		pending:    make(map[int64]*model.PendingReview),
		held:       make(map[int64]bool),
	}
	for _, p := range professors {
		s.professors[p] = struct{}{}
	}
	return s
}

// AddProfessor registers a professor id, standing in for the CRUD catalogue.
func (s *Store) AddProfessor(profID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.professors[profID] = struct{}{}
}

func (s *Store) UpsertProfessor(_ context.Context, profID, _ string) error {
	s.AddProfessor(profID)
	return nil
}

func (s *Store) ProfessorExists(_ context.Context, profID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.professors[profID]
	return ok, nil
}

// -------- claims -----------------------------------------------------------

func (s *Store) InsertClaim(_ context.Context, rec *model.ClaimRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := claimKey{rec.UserHash, rec.CycleID}
	if _, ok := s.claims[k]; ok {
		return store.ErrDuplicate
	}
	s.claims[k] = *rec
	return nil
}

func (s *Store) GetClaim(_ context.Context, userHash, cycleID string) (*model.ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.claims[claimKey{userHash, cycleID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

// ClaimCount is a test hook.
func (s *Store) ClaimCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.claims)
}

// -------- submissions ------------------------------------------------------

func (s *Store) BurnAndEnqueue(_ context.Context, used *model.UsedToken, pending *model.PendingReview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.used[used.TokenUUID]; ok {
		return store.ErrDuplicate
	}
	s.used[used.TokenUUID] = *used
	s.nextID++
	row := *pending
	row.ID = s.nextID
	row.EncryptedBlob = append([]byte(nil), pending.EncryptedBlob...)
	row.EncryptedKey = append([]byte(nil), pending.EncryptedKey...)
	s.pending[row.ID] = &row
	return nil
}

// UsedCount is a test hook.
func (s *Store) UsedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.used)
}

// PendingRows returns a snapshot of the queue, oldest first. Test hook.
func (s *Store) PendingRows() []model.PendingReview {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PendingReview, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// -------- shuffle ----------------------------------------------------------

func (s *Store) PendingGroups(_ context.Context) ([]model.PendingGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := map[[2]string]int{}
	var groups []model.PendingGroup
	for _, p := range s.pending {
		if s.held[p.ID] {
			continue
		}
		k := [2]string{p.ProfID, p.CycleID}
		i, ok := idx[k]
		if !ok {
			idx[k] = len(groups)
			groups = append(groups, model.PendingGroup{ProfID: p.ProfID, CycleID: p.CycleID, Count: 1, OldestAt: p.ReceivedAt})
			continue
		}
		groups[i].Count++
		if p.ReceivedAt.Before(groups[i].OldestAt) {
			groups[i].OldestAt = p.ReceivedAt
		}
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].ProfID != groups[j].ProfID {
			return groups[i].ProfID < groups[j].ProfID
		}
		return groups[i].CycleID < groups[j].CycleID
	})
	return groups, nil
}

func (s *Store) PublishGroup(_ context.Context, profID, cycleID string, fn store.PublishFunc) (int, error) {
	rows := s.hold(profID, cycleID)
	if len(rows) == 0 {
		return 0, nil
	}

	out, err := fn(rows)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		delete(s.held, r.ID)
	}
	if err != nil {
		return 0, err
	}
	for _, r := range rows {
		delete(s.pending, r.ID)
	}
	s.published = append(s.published, out...)
	return len(out), nil
}

// hold marks every free row of the group as held and returns copies.
func (s *Store) hold(profID, cycleID string) []*model.PendingReview {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*model.PendingReview
	for id, p := range s.pending {
		if s.held[id] || p.ProfID != profID || p.CycleID != cycleID {
			continue
		}
		s.held[id] = true
		cp := *p
		rows = append(rows, &cp)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}

func (s *Store) ListPublished(_ context.Context, profID string) ([]*model.PublishedReview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PublishedReview
	for _, p := range s.published {
		if p.ProfID == profID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}
