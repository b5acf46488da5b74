package service_test

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/collapsinghierarchy/blindreview/cycle"
	"github.com/collapsinghierarchy/blindreview/model"
	"github.com/collapsinghierarchy/blindreview/pkc/blindsig"
	"github.com/collapsinghierarchy/blindreview/pkc/envelope"
	"github.com/collapsinghierarchy/blindreview/service"
	"github.com/collapsinghierarchy/blindreview/store/memory"
)

var (
	authOnce sync.Once
	auth     *blindsig.Authority
	authErr  error
)

func authority(t *testing.T) *blindsig.Authority {
	t.Helper()
	authOnce.Do(func() {
		sk, err := blindsig.GenerateKey(2048)
		if err != nil {
			authErr = err
			return
		}
		auth, authErr = blindsig.New(sk)
	})
	if authErr != nil {
		t.Fatalf("authority: %v", authErr)
	}
	return auth
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	clock   *clock
	cycles  *cycle.Manager
	auth    *blindsig.Authority
	store   *memory.Store
	claims  *service.ClaimService
	submit  *service.SubmissionService
	shuffle *service.ShuffleEngine
	reviews *service.ReviewService
}

func newHarness(t *testing.T, policy service.Policy, professors ...string) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	clk := newClock(time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC))
	cycles := cycle.New(cycle.Monthly, clk.Now)
	a := authority(t)
	st := memory.New(professors...)
	hasher, err := service.NewUserHasher([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	shuffle := service.NewShuffleEngine(st, a, policy, clk.Now, log)
	return &harness{
		clock:   clk,
		cycles:  cycles,
		auth:    a,
		store:   st,
		claims:  service.NewClaimService(st, a, cycles, hasher, service.ClaimConfig{}, log),
		submit:  service.NewSubmissionService(st, a, cycles, 0, log),
		shuffle: shuffle,
		reviews: service.NewReviewService(st, shuffle, log),
	}
}

type credential struct {
	TokenUUID string
	ProfID    string
	CycleID   string
	Signature []byte
}

var student = model.Identity{Email: "Student@Uni.example", EmailVerified: true}

// claimCredentials runs the client side of issuance: blind, claim, unblind.
func (h *harness) claimCredentials(t *testing.T, id model.Identity, profs ...string) []credential {
	t.Helper()
	creds, err := h.tryClaim(id, profs...)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return creds
}

func (h *harness) tryClaim(id model.Identity, profs ...string) ([]credential, error) {
	cycleID := h.cycles.Current()
	pub := h.auth.PublicKey()
	creds := make([]credential, len(profs))
	factors := make([]*big.Int, len(profs))
	reqs := make([]model.BlindedTokenRequest, len(profs))
	for i, p := range profs {
		tok := uuid.NewString()
		blinded, r, err := blindsig.Blind(rand.Reader, pub, blindsig.CanonicalMessage(tok, p, cycleID))
		if err != nil {
			return nil, err
		}
		creds[i] = credential{TokenUUID: tok, ProfID: p, CycleID: cycleID}
		factors[i] = r
		reqs[i] = model.BlindedTokenRequest{ProfID: p, BlindedMessage: blinded}
	}
	res, err := h.claims.Claim(context.Background(), id, reqs)
	if err != nil {
		return nil, err
	}
	for i, bs := range res.BlindSignatures {
		sig, err := blindsig.Unblind(pub, bs.Signature, factors[i])
		if err != nil {
			return nil, err
		}
		creds[i].Signature = sig
	}
	return creds, nil
}

func (h *harness) sealed(t *testing.T, c credential, content model.ReviewContent) service.SubmitInput {
	t.Helper()
	plain, err := json.Marshal(content)
	if err != nil {
		t.Fatal(err)
	}
	blob, key, err := envelope.Seal(rand.Reader, envelope.SchemeRSAOAEP, h.auth.Recipient(), c.ProfID, c.CycleID, plain)
	if err != nil {
		t.Fatal(err)
	}
	return service.SubmitInput{
		TokenUUID:     c.TokenUUID,
		ProfID:        c.ProfID,
		CycleID:       c.CycleID,
		Signature:     c.Signature,
		EncryptedBlob: blob,
		EncryptedKey:  key,
	}
}
