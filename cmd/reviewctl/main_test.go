package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/collapsinghierarchy/blindreview/app"
	"github.com/collapsinghierarchy/blindreview/auth"
	"github.com/collapsinghierarchy/blindreview/config"
	"github.com/collapsinghierarchy/blindreview/cycle"
	"github.com/collapsinghierarchy/blindreview/model"
	"github.com/collapsinghierarchy/blindreview/pkc/blindsig"
	"github.com/collapsinghierarchy/blindreview/pkc/envelope"
)

const secret = "reviewctl-test-secret-0123456789ab"

func server(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Database: config.DatabaseConfig{Driver: "memory"},
		Keys:     config.KeyConfig{AllowEphemeral: true, RSABits: 2048},
		JWT:      config.JWTConfig{Secret: secret},
		Claim: config.ClaimConfig{
			UserHashKey: []byte(strings.Repeat("u", 32)),
			CyclePeriod: cycle.Monthly,
			MaxTokens:   10,
			MaxBlob:     16 << 10,
		},
		Shuffle:        config.ShuffleConfig{MinBatch: 1, MaxDelay: time.Hour},
		SeedProfessors: []config.Professor{{ID: "P1", Name: "P1"}, {ID: "P2", Name: "P2"}},
	}
	a, err := app.Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	ts := httptest.NewServer(a.Handler)
	t.Cleanup(func() {
		ts.Close()
		a.Close()
	})
	return ts
}

func bearer(t *testing.T, email string) string {
	t.Helper()
	tok, err := auth.Issue([]byte(secret), "", model.Identity{Email: email, EmailVerified: true}, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestClaimAndSubmit(t *testing.T) {
	ts := server(t)
	creds := filepath.Join(t.TempDir(), "creds.json")
	var out bytes.Buffer

	require.NoError(t, run([]string{"claim", "-server", ts.URL, "-token", bearer(t, "ada@uni.example"), "-profs", "P1, P2", "-out", creds}, &out))
	assert.Contains(t, out.String(), "stored 2 credentials")

	raw, err := os.ReadFile(creds)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "uni.example", "credentials never name the student")

	out.Reset()
	require.NoError(t, run([]string{"submit", "-server", ts.URL, "-creds", creds, "-prof", "P1", "-rating", "4", "-comment", "clear lectures"}, &out))
	assert.Contains(t, out.String(), "1 credentials left")

	out.Reset()
	require.NoError(t, run([]string{"submit", "-server", ts.URL, "-creds", creds, "-prof", "P2", "-rating", "2", "-scheme", envelope.SchemeHybridKEM}, &out))

	var listing struct {
		Reviews []struct {
			Rating  int    `json:"rating"`
			Comment string `json:"comment"`
		} `json:"reviews"`
	}
	c := newClient(ts.URL, "", nil)
	require.NoError(t, c.do(context.Background(), http.MethodGet, "/api/v1/professors/P1/anonymous-reviews", nil, &listing))
	require.Len(t, listing.Reviews, 1)
	assert.Equal(t, "clear lectures", listing.Reviews[0].Comment)
	require.NoError(t, c.do(context.Background(), http.MethodGet, "/api/v1/professors/P2/anonymous-reviews", nil, &listing))
	require.Len(t, listing.Reviews, 1)
	assert.Equal(t, 2, listing.Reviews[0].Rating)
}

func TestClaimTwiceRejected(t *testing.T) {
	ts := server(t)
	c := newClient(ts.URL, bearer(t, "bo@uni.example"), nil)
	_, err := c.claim(context.Background(), []string{"P1"})
	require.NoError(t, err)

	_, err = c.claim(context.Background(), []string{"P2"})
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
}

func TestSubmitReplayRejected(t *testing.T) {
	ts := server(t)
	creds, err := newClient(ts.URL, bearer(t, "cy@uni.example"), nil).claim(context.Background(), []string{"P1"})
	require.NoError(t, err)

	c := newClient(ts.URL, "", nil)
	content := model.ReviewContent{Rating: 5}
	require.NoError(t, c.submit(context.Background(), creds[0], content, envelope.SchemeRSAOAEP))
	err = c.submit(context.Background(), creds[0], content, envelope.SchemeRSAOAEP)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
}

func TestKeygen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")
	var out bytes.Buffer
	require.NoError(t, run([]string{"keygen", "-out", path, "-bits", "2048"}, &out))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	sk, err := blindsig.ParsePEM(raw)
	require.NoError(t, err)
	assert.Equal(t, 2048, sk.N.BitLen())

	assert.Error(t, run([]string{"keygen", "-out", path, "-bits", "1024"}, &out))
	assert.Error(t, run([]string{"frobnicate"}, &out))
	assert.Error(t, run(nil, &out))
}
