package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/collapsinghierarchy/blindreview/auth"
	"github.com/collapsinghierarchy/blindreview/cycle"
	"github.com/collapsinghierarchy/blindreview/handler"
	"github.com/collapsinghierarchy/blindreview/model"
	"github.com/collapsinghierarchy/blindreview/service"
)

type fakeKeys struct{}

func (fakeKeys) PublicKeyComponents() (*big.Int, int) { return big.NewInt(0xabcdef), 65537 }
func (fakeKeys) KEMPublicKey() []byte                { return []byte{1, 2, 3} }

// fakeClaims implements handler.Claimer.
type fakeClaims struct {
	err    error
	got    []model.BlindedTokenRequest
	gotID  model.Identity
	status *service.ClaimStatus
}

func (f *fakeClaims) Claim(_ context.Context, id model.Identity, toks []model.BlindedTokenRequest) (*service.ClaimResult, error) {
	f.gotID, f.got = id, toks
	if f.err != nil {
		return nil, f.err
	}
	res := &service.ClaimResult{CycleID: "2026-10", N: big.NewInt(255), E: 3}
	for _, t := range toks {
		res.BlindSignatures = append(res.BlindSignatures, service.BlindSignature{ProfID: t.ProfID, Signature: t.BlindedMessage})
	}
	return res, nil
}

func (f *fakeClaims) Status(context.Context, model.Identity) (*service.ClaimStatus, error) {
	return f.status, f.err
}

type fakeSubmit struct {
	err error
	got *service.SubmitInput
}

func (f *fakeSubmit) Submit(_ context.Context, in service.SubmitInput) error {
	f.got = &in
	return f.err
}

type fakeShuffle struct {
	err error
}

func (f *fakeShuffle) TryShuffle(context.Context) (*service.ShuffleResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &service.ShuffleResult{Groups: []service.GroupResult{{ProfID: "P1", CycleID: "2026-10", Published: 5}}, Published: 5}, nil
}

func (f *fakeShuffle) Status(context.Context) (*service.ShuffleStatus, error) {
	return &service.ShuffleStatus{
		Groups: []service.GroupStatus{{ProfID: "P1", CycleID: "2026-10", Pending: 2, OldestPendingAge: 90 * time.Minute}},
		Policy: service.DefaultPolicy(),
	}, f.err
}

type fakeReviews struct{ err error }

func (f fakeReviews) ListReviews(_ context.Context, profID string) (*service.ReviewListing, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &service.ReviewListing{ProfID: profID, Reviews: []*model.PublishedReview{{
		ProfID: profID, CycleID: "2026-10", Content: model.ReviewContent{Rating: 4, Comment: "ok"},
	}}}, nil
}

type fixture struct {
	claims  *fakeClaims
	submit  *fakeSubmit
	shuffle *fakeShuffle
	srv     *handler.Server
}

func newFixture() *fixture {
	f := &fixture{claims: &fakeClaims{}, submit: &fakeSubmit{}, shuffle: &fakeShuffle{}}
	now := func() time.Time { return time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC) }
	f.srv = handler.New(handler.Deps{
		Keys:    fakeKeys{},
		Cycles:  cycle.New(cycle.Monthly, now),
		Claims:  f.claims,
		Submit:  f.submit,
		Shuffle: f.shuffle,
		Reviews: fakeReviews{},
		MaxBlob: 64,
	})
	return f
}

type body struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func call(t *testing.T, h http.HandlerFunc, req *http.Request) (int, body) {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, req)
	var b body
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("response is not the JSON envelope: %q", rec.Body.String())
	}
	return rec.Code, b
}

func withIdentity(req *http.Request) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), model.Identity{Email: "s@uni.example", EmailVerified: true}))
}

func TestPublicKey(t *testing.T) {
	f := newFixture()
	code, b := call(t, f.srv.PublicKey, httptest.NewRequest(http.MethodGet, "/", nil))
	if code != http.StatusOK || !b.Success {
		t.Fatalf("status %d", code)
	}
	var pk struct {
		N            string   `json:"n"`
		E            int      `json:"e"`
		KEMPublicKey string   `json:"kemPublicKey"`
		KeySchemes   []string `json:"keySchemes"`
	}
	if err := json.Unmarshal(b.Data, &pk); err != nil {
		t.Fatal(err)
	}
	if pk.N != "abcdef" || pk.E != 65537 || pk.KEMPublicKey != "AQID" || len(pk.KeySchemes) != 2 {
		t.Errorf("unexpected public key %+v", pk)
	}
}

func TestClaim_DecodesHexAndKeepsOrder(t *testing.T) {
	f := newFixture()
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"blindedTokens":[{"profId":"P1","blindedMessage":"0a0b"},{"profId":"P2","blindedMessage":"ff"}]}`)))
	code, b := call(t, f.srv.Claim, req)
	if code != http.StatusOK {
		t.Fatalf("status %d: %s", code, b.Error)
	}
	if len(f.claims.got) != 2 || !bytes.Equal(f.claims.got[0].BlindedMessage, []byte{0x0a, 0x0b}) {
		t.Fatalf("tokens not decoded: %+v", f.claims.got)
	}
	var res struct {
		CycleID         string `json:"cycleId"`
		BlindSignatures []struct {
			ProfID         string `json:"profId"`
			BlindSignature string `json:"blindSignature"`
		} `json:"blindSignatures"`
		N string `json:"n"`
		E int    `json:"e"`
	}
	if err := json.Unmarshal(b.Data, &res); err != nil {
		t.Fatal(err)
	}
	if res.CycleID != "2026-10" || res.N != "ff" || res.E != 3 {
		t.Errorf("unexpected claim response %+v", res)
	}
	if res.BlindSignatures[0].BlindSignature != "0a0b" || res.BlindSignatures[1].ProfID != "P2" {
		t.Errorf("signatures out of order: %+v", res.BlindSignatures)
	}
}

func TestClaim_RequiresIdentity(t *testing.T) {
	f := newFixture()
	code, _ := call(t, f.srv.Claim, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))
	if code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", code)
	}
}

func TestClaim_Malformed(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":  `{`,
		"odd hex":   `{"blindedTokens":[{"profId":"P1","blindedMessage":"abc"}]}`,
		"non hex":   `{"blindedTokens":[{"profId":"P1","blindedMessage":"xyz"}]}`,
		"no prof":   `{"blindedTokens":[{"blindedMessage":"ab"}]}`,
		"oversized": `{"blindedTokens":[{"profId":"P1","blindedMessage":"` + strings.Repeat("ab", 1<<20) + `"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			code, b := call(t, f.srv.Claim, withIdentity(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(payload))))
			if code != http.StatusBadRequest || b.Success {
				t.Fatalf("status %d, want 400", code)
			}
			if f.claims.got != nil {
				t.Error("service must not be reached")
			}
		})
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{service.ErrUnauthenticated, http.StatusUnauthorized},
		{service.ErrNoTokens, http.StatusBadRequest},
		{service.ErrTooManyTokens, http.StatusBadRequest},
		{fmt.Errorf("%w: tokenUuid", service.ErrMalformed), http.StatusBadRequest},
		{service.ErrCycleMismatch, http.StatusBadRequest},
		{service.ErrAlreadyClaimed, http.StatusForbidden},
		{service.ErrInvalidSignature, http.StatusForbidden},
		{service.ErrProfessorNotFound, http.StatusNotFound},
		{service.ErrTokenAlreadyUsed, http.StatusConflict},
		{service.ErrSigningFailed, http.StatusInternalServerError},
		{fmt.Errorf("%w: db: %w", service.ErrInternal, errors.New("secret dsn")), http.StatusInternalServerError},
		{errors.New("unclassified"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f := newFixture()
		f.submit.err = tc.err
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(
			`{"tokenUuid":"x","signature":"ab","profId":"P1","cycleId":"2026-10","encryptedBlob":"AAAA","encryptedKey":"AAAA"}`))
		code, b := call(t, f.srv.Submit, req)
		if code != tc.want {
			t.Errorf("%v: status %d, want %d", tc.err, code, tc.want)
		}
		if strings.Contains(b.Error, "secret") || strings.Contains(b.Error, "unclassified") {
			t.Errorf("%v: internal detail leaked in %q", tc.err, b.Error)
		}
	}
}

func TestSubmit_Decodes(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(
		`{"tokenUuid":"7d444840-9dc0-11d1-b245-5ffdce74fad2","signature":"0102","profId":"P1","cycleId":"2026-10",
		  "keyScheme":"x25519-kyber768","encryptedBlob":"aGVsbG8=","encryptedKey":"a2V5"}`))
	code, b := call(t, f.srv.Submit, req)
	if code != http.StatusAccepted || !b.Success {
		t.Fatalf("status %d: %s", code, b.Error)
	}
	got := f.submit.got
	if string(got.EncryptedBlob) != "hello" || string(got.EncryptedKey) != "key" || !bytes.Equal(got.Signature, []byte{1, 2}) {
		t.Errorf("fields not decoded: %+v", got)
	}
	if got.KeyScheme != "x25519-kyber768" {
		t.Errorf("KeyScheme: %q", got.KeyScheme)
	}
	if string(b.Data) != `{"status":"accepted"}` {
		t.Errorf("success must be generic, got %s", b.Data)
	}
}

func TestSubmit_BodyLimit(t *testing.T) {
	f := newFixture()
	huge := strings.Repeat("A", 64<<10)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(
		`{"tokenUuid":"x","signature":"ab","profId":"P1","cycleId":"c","encryptedBlob":"`+huge+`","encryptedKey":"AAAA"}`))
	code, _ := call(t, f.srv.Submit, req)
	if code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", code)
	}
	if f.submit.got != nil {
		t.Error("oversized body reached the service")
	}
}

func TestStatus(t *testing.T) {
	f := newFixture()
	code, b := call(t, f.srv.Status, httptest.NewRequest(http.MethodGet, "/", nil))
	if code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	var st struct {
		CycleID       string    `json:"cycleId"`
		CycleEndsAt   time.Time `json:"cycleEndsAt"`
		ShuffleStatus struct {
			PendingByGroup []struct {
				Pending                 int   `json:"pending"`
				OldestPendingAgeSeconds int64 `json:"oldestPendingAgeSeconds"`
			} `json:"pendingByGroup"`
			Thresholds struct {
				MinBatch        int   `json:"minBatch"`
				MaxDelaySeconds int64 `json:"maxDelaySeconds"`
			} `json:"thresholds"`
		} `json:"shuffleStatus"`
	}
	if err := json.Unmarshal(b.Data, &st); err != nil {
		t.Fatal(err)
	}
	if st.CycleID != "2026-10" || !st.CycleEndsAt.Equal(time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("cycle: %+v", st)
	}
	if st.ShuffleStatus.PendingByGroup[0].OldestPendingAgeSeconds != 5400 {
		t.Errorf("age: %+v", st.ShuffleStatus.PendingByGroup)
	}
	if st.ShuffleStatus.Thresholds.MinBatch != 5 || st.ShuffleStatus.Thresholds.MaxDelaySeconds != 72*3600 {
		t.Errorf("thresholds: %+v", st.ShuffleStatus.Thresholds)
	}
}

func TestTriggerShuffle(t *testing.T) {
	f := newFixture()
	code, b := call(t, f.srv.TriggerShuffle, httptest.NewRequest(http.MethodPost, "/", nil))
	if code != http.StatusOK || !strings.Contains(string(b.Data), `"published":5`) {
		t.Fatalf("status %d: %s", code, b.Data)
	}

	f.shuffle.err = fmt.Errorf("%w: boom", service.ErrInternal)
	code, b = call(t, f.srv.TriggerShuffle, httptest.NewRequest(http.MethodPost, "/", nil))
	if code != http.StatusInternalServerError || b.Error != "internal error" {
		t.Fatalf("status %d: %q", code, b.Error)
	}
}

func TestListReviews(t *testing.T) {
	f := newFixture()
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"profId": "P7"})
	code, b := call(t, f.srv.ListReviews, req)
	if code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if !strings.Contains(string(b.Data), `"profId":"P7"`) || !strings.Contains(string(b.Data), `"rating":4`) {
		t.Errorf("unexpected listing %s", b.Data)
	}
	if strings.Contains(string(b.Data), "receivedAt") {
		t.Error("published reviews carry no receive time")
	}
}
