package service

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/collapsinghierarchy/blindreview/cycle"
	"github.com/collapsinghierarchy/blindreview/model"
	"github.com/collapsinghierarchy/blindreview/pkc/blindsig"
	"github.com/collapsinghierarchy/blindreview/store"
)

// DefaultMaxTokens caps one claim batch.
const DefaultMaxTokens = 400

// Signer is the part of the blind signature authority the claim path needs.
type Signer interface {
	SignBlinded(blinded []byte) ([]byte, error)
	PublicKeyComponents() (*big.Int, int)
}

type ClaimConfig struct {
	MaxTokens int
	// AllowedDomains restricts claims to these email domains when non-empty.
	AllowedDomains []string
}

type ClaimService struct {
	ledger    store.ClaimLedger
	signer    Signer
	cycles    *cycle.Manager
	hasher    *UserHasher
	maxTokens int
	domains   map[string]struct{}
	log       *zap.Logger
}

func NewClaimService(ledger store.ClaimLedger, signer Signer, cycles *cycle.Manager, hasher *UserHasher, cfg ClaimConfig, log *zap.Logger) *ClaimService {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &ClaimService{
		ledger:    ledger,
		signer:    signer,
		cycles:    cycles,
		hasher:    hasher,
		maxTokens: cfg.MaxTokens,
		log:       log.Named("claim"),
	}
	if len(cfg.AllowedDomains) > 0 {
		s.domains = make(map[string]struct{}, len(cfg.AllowedDomains))
		for _, d := range cfg.AllowedDomains {
			s.domains[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
		}
	}
	return s
}

type BlindSignature struct {
	ProfID    string
	Signature []byte
}

type ClaimResult struct {
	CycleID         string
	BlindSignatures []BlindSignature
	N               *big.Int
	E               int
}

type ClaimStatus struct {
	CycleID    string
	HasClaimed bool
	ClaimedAt  *time.Time
}

func (s *ClaimService) authorize(id model.Identity) (string, error) {
	email := strings.ToLower(strings.TrimSpace(id.Email))
	if email == "" || !id.EmailVerified {
		return "", ErrUnauthenticated
	}
	if s.domains != nil {
		at := strings.LastIndexByte(email, '@')
		if at < 0 {
			return "", ErrUnauthenticated
		}
		if _, ok := s.domains[email[at+1:]]; !ok {
			return "", ErrUnauthenticated
		}
	}
	return s.hasher.Hash(email), nil
}

// Claim signs every blinded token or none. The claim record is written only
// after all signatures exist; the ledger's uniqueness decides concurrent
// races.
func (s *ClaimService) Claim(ctx context.Context, id model.Identity, tokens []model.BlindedTokenRequest) (*ClaimResult, error) {
	userHash, err := s.authorize(id)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, ErrNoTokens
	}
	if len(tokens) > s.maxTokens {
		return nil, ErrTooManyTokens
	}
	for _, t := range tokens {
		if t.ProfID == "" {
			return nil, malformed("profId")
		}
		if len(t.BlindedMessage) == 0 {
			return nil, malformed("blindedMessage")
		}
	}

	cycleID := s.cycles.Current()
	switch _, err := s.ledger.GetClaim(ctx, userHash, cycleID); {
	case err == nil:
		return nil, ErrAlreadyClaimed
	case !errors.Is(err, store.ErrNotFound):
		return nil, internal("get claim", err)
	}

	sigs := make([]BlindSignature, len(tokens))
	for i, t := range tokens {
		sig, err := s.signer.SignBlinded(t.BlindedMessage)
		if errors.Is(err, blindsig.ErrInvalidInput) {
			return nil, malformed("blindedMessage")
		}
		if err != nil {
			s.log.Error("blind signing failed", zap.Int("batch", len(tokens)), zap.Error(err))
			return nil, ErrSigningFailed
		}
		sigs[i] = BlindSignature{ProfID: t.ProfID, Signature: sig}
	}

	err = s.ledger.InsertClaim(ctx, &model.ClaimRecord{
		UserHash:  userHash,
		CycleID:   cycleID,
		ClaimedAt: s.cycles.Now(),
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil, ErrAlreadyClaimed
	}
	if err != nil {
		return nil, internal("insert claim", err)
	}

	n, e := s.signer.PublicKeyComponents()
	s.log.Info("claim issued", zap.String("cycle", cycleID), zap.Int("tokens", len(sigs)))
	return &ClaimResult{CycleID: cycleID, BlindSignatures: sigs, N: n, E: e}, nil
}

// Status has no side effects.
func (s *ClaimService) Status(ctx context.Context, id model.Identity) (*ClaimStatus, error) {
	userHash, err := s.authorize(id)
	if err != nil {
		return nil, err
	}
	cycleID := s.cycles.Current()
	rec, err := s.ledger.GetClaim(ctx, userHash, cycleID)
	if errors.Is(err, store.ErrNotFound) {
		return &ClaimStatus{CycleID: cycleID}, nil
	}
	if err != nil {
		return nil, internal("get claim", err)
	}
	at := rec.ClaimedAt
	return &ClaimStatus{CycleID: cycleID, HasClaimed: true, ClaimedAt: &at}, nil
}
