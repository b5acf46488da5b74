package handler

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/collapsinghierarchy/blindreview/auth"
	"github.com/collapsinghierarchy/blindreview/cycle"
	"github.com/collapsinghierarchy/blindreview/model"
	pkcenvelope "github.com/collapsinghierarchy/blindreview/pkc/envelope"
	"github.com/collapsinghierarchy/blindreview/service"
)

// KeyInfo is the public half of the blind signature authority.
type KeyInfo interface {
	PublicKeyComponents() (*big.Int, int)
	KEMPublicKey() []byte
}

type Claimer interface {
	Claim(ctx context.Context, id model.Identity, tokens []model.BlindedTokenRequest) (*service.ClaimResult, error)
	Status(ctx context.Context, id model.Identity) (*service.ClaimStatus, error)
}

type Submitter interface {
	Submit(ctx context.Context, in service.SubmitInput) error
}

type Shuffler interface {
	TryShuffle(ctx context.Context) (*service.ShuffleResult, error)
	Status(ctx context.Context) (*service.ShuffleStatus, error)
}

type ReviewLister interface {
	ListReviews(ctx context.Context, profID string) (*service.ReviewListing, error)
}

type Deps struct {
	Keys    KeyInfo
	Cycles  *cycle.Manager
	Claims  Claimer
	Submit  Submitter
	Shuffle Shuffler
	Reviews ReviewLister
	// MaxBlob bounds the decoded review blob; request bodies are sized from it.
	MaxBlob int
	Log     *zap.Logger
}

type Server struct {
	keys     KeyInfo
	cycles   *cycle.Manager
	claims   Claimer
	submit   Submitter
	shuffle  Shuffler
	reviews  ReviewLister
	validate *validator.Validate
	log      *zap.Logger

	claimBodyLimit  int64
	submitBodyLimit int64
}

const claimBodyLimit = 1 << 20

// New returns a ready Server instance.
func New(d Deps) *Server {
	if d.MaxBlob <= 0 {
		d.MaxBlob = service.DefaultMaxBlob
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return &Server{
		keys:     d.Keys,
		cycles:   d.Cycles,
		claims:   d.Claims,
		submit:   d.Submit,
		shuffle:  d.Shuffle,
		reviews:  d.Reviews,
		validate: v,
		log:      d.Log.Named("http"),

		claimBodyLimit: claimBodyLimit,
		// base64 expansion plus room for the key and the small fields
		submitBodyLimit: int64(d.MaxBlob)*4/3 + 16<<10,
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return service.ErrMalformed
	}
	if err := s.validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return malformedField(ve[0].Field())
		}
		return service.ErrMalformed
	}
	return nil
}

func malformedField(name string) error {
	return &fieldError{name}
}

// fieldError names the offending field, never its value.
type fieldError struct{ field string }

func (e *fieldError) Error() string { return service.ErrMalformed.Error() + ": " + e.field }
func (e *fieldError) Unwrap() error { return service.ErrMalformed }

// -------- public key -------------------------------------------------------

type publicKeyResponse struct {
	N            string   `json:"n"`
	E            int      `json:"e"`
	ModulusBits  int      `json:"modulusBits"`
	KEMPublicKey string   `json:"kemPublicKey"`
	KeySchemes   []string `json:"keySchemes"`
}

func (s *Server) PublicKey(w http.ResponseWriter, _ *http.Request) {
	if s.keys == nil {
		writeError(w, http.StatusInternalServerError, "signing key not configured")
		return
	}
	n, e := s.keys.PublicKeyComponents()
	writeJSON(w, http.StatusOK, publicKeyResponse{
		N:            n.Text(16),
		E:            e,
		ModulusBits:  n.BitLen(),
		KEMPublicKey: base64.StdEncoding.EncodeToString(s.keys.KEMPublicKey()),
		KeySchemes:   []string{pkcenvelope.SchemeRSAOAEP, pkcenvelope.SchemeHybridKEM},
	})
}

// -------- claims -----------------------------------------------------------

type blindedToken struct {
	ProfID         string `json:"profId" validate:"required,max=128"`
	BlindedMessage string `json:"blindedMessage" validate:"required,hexadecimal"`
}

type claimRequest struct {
	BlindedTokens []blindedToken `json:"blindedTokens" validate:"dive"`
}

type blindSignature struct {
	ProfID         string `json:"profId"`
	BlindSignature string `json:"blindSignature"`
}

type claimResponse struct {
	CycleID         string           `json:"cycleId"`
	BlindSignatures []blindSignature `json:"blindSignatures"`
	N               string           `json:"n"`
	E               int              `json:"e"`
}

func (s *Server) Claim(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		Unauthorized(w, r)
		return
	}
	var req claimRequest
	if err := s.decode(w, r, s.claimBodyLimit, &req); err != nil {
		s.fail(w, "claim", err)
		return
	}
	toks := make([]model.BlindedTokenRequest, len(req.BlindedTokens))
	for i, t := range req.BlindedTokens {
		raw, err := hex.DecodeString(t.BlindedMessage)
		if err != nil {
			s.fail(w, "claim", malformedField("blindedMessage"))
			return
		}
		toks[i] = model.BlindedTokenRequest{ProfID: t.ProfID, BlindedMessage: raw}
	}

	res, err := s.claims.Claim(r.Context(), id, toks)
	if err != nil {
		s.fail(w, "claim", err)
		return
	}
	out := claimResponse{
		CycleID:         res.CycleID,
		BlindSignatures: make([]blindSignature, len(res.BlindSignatures)),
		N:               res.N.Text(16),
		E:               res.E,
	}
	for i, bs := range res.BlindSignatures {
		out.BlindSignatures[i] = blindSignature{ProfID: bs.ProfID, BlindSignature: hex.EncodeToString(bs.Signature)}
	}
	writeJSON(w, http.StatusOK, out)
}

type claimStatusResponse struct {
	CycleID    string     `json:"cycleId"`
	HasClaimed bool       `json:"hasClaimed"`
	ClaimedAt  *time.Time `json:"claimedAt,omitempty"`
}

func (s *Server) ClaimStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		Unauthorized(w, r)
		return
	}
	st, err := s.claims.Status(r.Context(), id)
	if err != nil {
		s.fail(w, "claim status", err)
		return
	}
	writeJSON(w, http.StatusOK, claimStatusResponse{CycleID: st.CycleID, HasClaimed: st.HasClaimed, ClaimedAt: st.ClaimedAt})
}

// -------- submissions ------------------------------------------------------

type submitRequest struct {
	TokenUUID     string `json:"tokenUuid" validate:"required"`
	Signature     string `json:"signature" validate:"required,hexadecimal"`
	ProfID        string `json:"profId" validate:"required,max=128"`
	CycleID       string `json:"cycleId" validate:"required,max=32"`
	KeyScheme     string `json:"keyScheme,omitempty"`
	EncryptedBlob string `json:"encryptedBlob" validate:"required,base64"` // base64(nonce|ct|tag)
	EncryptedKey  string `json:"encryptedKey" validate:"required,base64"`
}

func (s *Server) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := s.decode(w, r, s.submitBodyLimit, &req); err != nil {
		s.fail(w, "submit", err)
		return
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		s.fail(w, "submit", malformedField("signature"))
		return
	}
	blob, err := base64.StdEncoding.DecodeString(req.EncryptedBlob)
	if err != nil {
		s.fail(w, "submit", malformedField("encryptedBlob"))
		return
	}
	key, err := base64.StdEncoding.DecodeString(req.EncryptedKey)
	if err != nil {
		s.fail(w, "submit", malformedField("encryptedKey"))
		return
	}
	err = s.submit.Submit(r.Context(), service.SubmitInput{
		TokenUUID:     req.TokenUUID,
		ProfID:        req.ProfID,
		CycleID:       req.CycleID,
		Signature:     sig,
		KeyScheme:     req.KeyScheme,
		EncryptedBlob: blob,
		EncryptedKey:  key,
	})
	if err != nil {
		s.fail(w, "submit", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// -------- status & shuffle -------------------------------------------------

type groupStatus struct {
	ProfID                  string `json:"profId"`
	CycleID                 string `json:"cycleId"`
	Pending                 int    `json:"pending"`
	OldestPendingAgeSeconds int64  `json:"oldestPendingAgeSeconds"`
	Eligible                bool   `json:"eligible"`
}

type thresholds struct {
	MinBatch        int   `json:"minBatch"`
	MaxDelaySeconds int64 `json:"maxDelaySeconds"`
}

type shuffleStatus struct {
	PendingByGroup []groupStatus `json:"pendingByGroup"`
	Thresholds     thresholds    `json:"thresholds"`
}

type statusResponse struct {
	CycleID       string        `json:"cycleId"`
	CycleEndsAt   time.Time     `json:"cycleEndsAt"`
	ShuffleStatus shuffleStatus `json:"shuffleStatus"`
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	st, err := s.shuffle.Status(r.Context())
	if err != nil {
		s.fail(w, "status", err)
		return
	}
	_, end := s.cycles.CurrentBounds()
	out := statusResponse{
		CycleID:     s.cycles.Current(),
		CycleEndsAt: end,
		ShuffleStatus: shuffleStatus{
			PendingByGroup: make([]groupStatus, len(st.Groups)),
			Thresholds: thresholds{
				MinBatch:        st.Policy.MinBatch,
				MaxDelaySeconds: int64(st.Policy.MaxDelay / time.Second),
			},
		},
	}
	for i, g := range st.Groups {
		out.ShuffleStatus.PendingByGroup[i] = groupStatus{
			ProfID:                  g.ProfID,
			CycleID:                 g.CycleID,
			Pending:                 g.Pending,
			OldestPendingAgeSeconds: int64(g.OldestPendingAge / time.Second),
			Eligible:                g.Eligible,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) TriggerShuffle(w http.ResponseWriter, r *http.Request) {
	res, err := s.shuffle.TryShuffle(r.Context())
	if err != nil {
		s.fail(w, "shuffle", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// -------- reviews ----------------------------------------------------------

type publishedReview struct {
	ID             string    `json:"id"`
	CycleID        string    `json:"cycleId"`
	Course         string    `json:"course,omitempty"`
	Rating         int       `json:"rating"`
	Difficulty     int       `json:"difficulty,omitempty"`
	WouldTakeAgain *bool     `json:"wouldTakeAgain,omitempty"`
	Comment        string    `json:"comment"`
	PublishedAt    time.Time `json:"publishedAt"`
}

type reviewsResponse struct {
	ProfID  string                 `json:"profId"`
	Reviews []publishedReview      `json:"reviews"`
	Shuffle *service.ShuffleResult `json:"shuffle,omitempty"`
}

func (s *Server) ListReviews(w http.ResponseWriter, r *http.Request) {
	profID := mux.Vars(r)["profId"]
	listing, err := s.reviews.ListReviews(r.Context(), profID)
	if err != nil {
		s.fail(w, "list reviews", err)
		return
	}
	out := reviewsResponse{ProfID: listing.ProfID, Reviews: make([]publishedReview, len(listing.Reviews)), Shuffle: listing.Shuffle}
	for i, p := range listing.Reviews {
		out.Reviews[i] = publishedReview{
			ID:             p.ID.String(),
			CycleID:        p.CycleID,
			Course:         p.Content.Course,
			Rating:         p.Content.Rating,
			Difficulty:     p.Content.Difficulty,
			WouldTakeAgain: p.Content.WouldTakeAgain,
			Comment:        p.Content.Comment,
			PublishedAt:    p.PublishedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func Health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
