package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/collapsinghierarchy/blindreview/model"
	"github.com/collapsinghierarchy/blindreview/pkc/blindsig"
	"github.com/collapsinghierarchy/blindreview/pkc/envelope"
)

// Credential is an unblinded token. It is the only thing a student keeps
// between claiming and submitting, and it never names them.
type Credential struct {
	TokenUUID string `json:"tokenUuid"`
	ProfID    string `json:"profId"`
	CycleID   string `json:"cycleId"`
	Signature string `json:"signature"` // hex
}

type client struct {
	base   string
	bearer string
	http   *http.Client
}

func newClient(base, bearer string, hc *http.Client) *client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &client{base: strings.TrimRight(base, "/"), bearer: bearer, http: hc}
}

type apiError struct {
	Status int
	Msg    string
}

func (e *apiError) Error() string { return fmt.Sprintf("server: %s (%d)", e.Msg, e.Status) }

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	if !env.Success {
		return &apiError{Status: resp.StatusCode, Msg: env.Error}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

type serverKeys struct {
	pub *rsa.PublicKey
	kem []byte
}

func (c *client) publicKey(ctx context.Context) (*serverKeys, error) {
	var pk struct {
		N            string `json:"n"`
		E            int    `json:"e"`
		KEMPublicKey string `json:"kemPublicKey"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/anon/public-key", nil, &pk); err != nil {
		return nil, err
	}
	n, ok := new(big.Int).SetString(pk.N, 16)
	if !ok {
		return nil, errors.New("public key: bad modulus")
	}
	kemKey, err := base64.StdEncoding.DecodeString(pk.KEMPublicKey)
	if err != nil {
		return nil, fmt.Errorf("public key: bad kem key: %w", err)
	}
	return &serverKeys{pub: &rsa.PublicKey{N: n, E: pk.E}, kem: kemKey}, nil
}

func (c *client) currentCycle(ctx context.Context) (string, error) {
	var st struct {
		CycleID string `json:"cycleId"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/anon/status", nil, &st); err != nil {
		return "", err
	}
	return st.CycleID, nil
}

// claim blinds one fresh token per professor, asks the server to sign the
// batch and unblinds the result. Every credential is verified locally.
func (c *client) claim(ctx context.Context, profs []string) ([]Credential, error) {
	keys, err := c.publicKey(ctx)
	if err != nil {
		return nil, err
	}
	cycleID, err := c.currentCycle(ctx)
	if err != nil {
		return nil, err
	}

	type blinded struct {
		ProfID         string `json:"profId"`
		BlindedMessage string `json:"blindedMessage"`
	}
	var req struct {
		BlindedTokens []blinded `json:"blindedTokens"`
	}
	creds := make([]Credential, len(profs))
	factors := make([]*big.Int, len(profs))
	for i, p := range profs {
		tok := uuid.NewString()
		m, r, err := blindsig.Blind(rand.Reader, keys.pub, blindsig.CanonicalMessage(tok, p, cycleID))
		if err != nil {
			return nil, err
		}
		creds[i] = Credential{TokenUUID: tok, ProfID: p, CycleID: cycleID}
		factors[i] = r
		req.BlindedTokens = append(req.BlindedTokens, blinded{ProfID: p, BlindedMessage: hex.EncodeToString(m)})
	}

	var res struct {
		CycleID         string `json:"cycleId"`
		BlindSignatures []struct {
			ProfID         string `json:"profId"`
			BlindSignature string `json:"blindSignature"`
		} `json:"blindSignatures"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/anon/claim", req, &res); err != nil {
		return nil, err
	}
	if res.CycleID != cycleID {
		return nil, fmt.Errorf("cycle changed during claim (%s -> %s)", cycleID, res.CycleID)
	}
	if len(res.BlindSignatures) != len(creds) {
		return nil, fmt.Errorf("expected %d signatures, got %d", len(creds), len(res.BlindSignatures))
	}
	for i, bs := range res.BlindSignatures {
		if bs.ProfID != creds[i].ProfID {
			return nil, fmt.Errorf("signature %d is for %s, want %s", i, bs.ProfID, creds[i].ProfID)
		}
		raw, err := hex.DecodeString(bs.BlindSignature)
		if err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
		sig, err := blindsig.Unblind(keys.pub, raw, factors[i])
		if err != nil {
			return nil, fmt.Errorf("unblind %d: %w", i, err)
		}
		msg := blindsig.CanonicalMessage(creds[i].TokenUUID, creds[i].ProfID, creds[i].CycleID)
		if !blindsig.VerifyWith(keys.pub, msg, sig) {
			return nil, fmt.Errorf("signature %d does not verify", i)
		}
		creds[i].Signature = hex.EncodeToString(sig)
	}
	return creds, nil
}

// submit seals content for the authority and redeems cred with it. The
// request carries no bearer token.
func (c *client) submit(ctx context.Context, cred Credential, content model.ReviewContent, scheme string) error {
	keys, err := c.publicKey(ctx)
	if err != nil {
		return err
	}
	plain, err := json.Marshal(content)
	if err != nil {
		return err
	}
	blob, key, err := envelope.Seal(rand.Reader, scheme, envelope.Recipient{RSA: keys.pub, KEM: keys.kem}, cred.ProfID, cred.CycleID, plain)
	if err != nil {
		return err
	}
	anon := &client{base: c.base, http: c.http}
	return anon.do(ctx, http.MethodPost, "/api/v1/anon/submit", map[string]string{
		"tokenUuid":     cred.TokenUUID,
		"signature":     cred.Signature,
		"profId":        cred.ProfID,
		"cycleId":       cred.CycleID,
		"keyScheme":     scheme,
		"encryptedBlob": base64.StdEncoding.EncodeToString(blob),
		"encryptedKey":  base64.StdEncoding.EncodeToString(key),
	}, nil)
}
