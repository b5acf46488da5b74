package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/collapsinghierarchy/blindreview/cycle"
	"github.com/collapsinghierarchy/blindreview/model"
	"github.com/collapsinghierarchy/blindreview/pkc/blindsig"
	"github.com/collapsinghierarchy/blindreview/pkc/envelope"
	"github.com/collapsinghierarchy/blindreview/store"
)

const (
	// DefaultMaxBlob bounds an encrypted review.
	DefaultMaxBlob = 16 << 10
	maxEncryptedKey = 4 << 10
)

// Verifier checks an unblinded token signature.
type Verifier interface {
	Verify(msg, sig []byte) bool
}

// SubmissionStore is what the submission path writes to.
type SubmissionStore interface {
	store.Professors
	store.SubmissionStore
}

// SubmitInput is a redeemed credential plus its sealed review.
type SubmitInput struct {
	TokenUUID     string
	ProfID        string
	CycleID       string
	Signature     []byte
	KeyScheme     string
	EncryptedBlob []byte
	EncryptedKey  []byte
}

type SubmissionService struct {
	store    SubmissionStore
	verifier Verifier
	cycles   *cycle.Manager
	maxBlob  int
	log      *zap.Logger
}

func NewSubmissionService(st SubmissionStore, v Verifier, cycles *cycle.Manager, maxBlob int, log *zap.Logger) *SubmissionService {
	if maxBlob <= 0 {
		maxBlob = DefaultMaxBlob
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SubmissionService{store: st, verifier: v, cycles: cycles, maxBlob: maxBlob, log: log.Named("submit")}
}

func (s *SubmissionService) validate(in *SubmitInput) error {
	if len(in.TokenUUID) != 36 {
		return malformed("tokenUuid")
	}
	if _, err := uuid.Parse(in.TokenUUID); err != nil {
		return malformed("tokenUuid")
	}
	switch {
	case in.ProfID == "":
		return malformed("profId")
	case in.CycleID == "":
		return malformed("cycleId")
	case len(in.Signature) == 0:
		return malformed("signature")
	case len(in.EncryptedBlob) == 0 || len(in.EncryptedBlob) > s.maxBlob:
		return malformed("encryptedBlob")
	case len(in.EncryptedKey) == 0 || len(in.EncryptedKey) > maxEncryptedKey:
		return malformed("encryptedKey")
	}
	if in.KeyScheme == "" {
		in.KeyScheme = envelope.SchemeRSAOAEP
	}
	if !envelope.Valid(in.KeyScheme) {
		return malformed("keyScheme")
	}
	return nil
}

// Submit verifies a credential and, in one transaction, burns it and queues
// the review. No identity is consulted or stored.
func (s *SubmissionService) Submit(ctx context.Context, in SubmitInput) error {
	if err := s.validate(&in); err != nil {
		return err
	}
	if in.CycleID != s.cycles.Current() {
		return ErrCycleMismatch
	}
	if !s.verifier.Verify(blindsig.CanonicalMessage(in.TokenUUID, in.ProfID, in.CycleID), in.Signature) {
		return ErrInvalidSignature
	}
	exists, err := s.store.ProfessorExists(ctx, in.ProfID)
	if err != nil {
		return internal("professor lookup", err)
	}
	if !exists {
		return ErrProfessorNotFound
	}

	now := s.cycles.Now()
	err = s.store.BurnAndEnqueue(ctx,
		&model.UsedToken{TokenUUID: in.TokenUUID, CycleID: in.CycleID, ProfID: in.ProfID, BurnedAt: now},
		&model.PendingReview{
			ProfID:        in.ProfID,
			CycleID:       in.CycleID,
			KeyScheme:     in.KeyScheme,
			EncryptedBlob: in.EncryptedBlob,
			EncryptedKey:  in.EncryptedKey,
			ReceivedAt:    now,
		})
	if errors.Is(err, store.ErrDuplicate) {
		return ErrTokenAlreadyUsed
	}
	if err != nil {
		return internal("burn and enqueue", err)
	}
	s.log.Debug("review queued")
	return nil
}
