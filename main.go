package main

// Development server: in-memory storage, an ephemeral signing key and
// throwaway secrets. It prints a bearer token for DEV_EMAIL so the claim
// endpoint can be exercised with reviewctl.

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/collapsinghierarchy/blindreview/app"
	"github.com/collapsinghierarchy/blindreview/auth"
	"github.com/collapsinghierarchy/blindreview/config"
	"github.com/collapsinghierarchy/blindreview/model"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.Server.Env = "development"
	cfg.Database.Driver = "memory"
	cfg.Keys.SigningKeyFile = ""
	cfg.Keys.AllowEphemeral = true
	if cfg.JWT.Secret == "" {
		cfg.JWT.Secret = randomHex(32)
	}
	if len(cfg.Claim.UserHashKey) == 0 {
		cfg.Claim.UserHashKey = []byte(randomHex(16))
	}
	if len(cfg.SeedProfessors) == 0 {
		cfg.SeedProfessors = []config.Professor{{ID: "P1", Name: "P1"}, {ID: "P2", Name: "P2"}}
	}
	cfg.Logging.Format = "console"
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("build", zap.Error(err))
	}
	defer a.Close()

	email := os.Getenv("DEV_EMAIL")
	if email == "" {
		email = "student@uni.example"
	}
	tok, err := auth.Issue([]byte(cfg.JWT.Secret), cfg.JWT.Issuer, model.Identity{Email: email, EmailVerified: true}, 24*time.Hour)
	if err != nil {
		logger.Fatal("issue dev token", zap.Error(err))
	}
	log.Printf("dev bearer token for %s:\n%s", email, tok)

	addr := cfg.Server.Addr()
	logger.Info("dev server listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, a.Handler); err != nil {
		logger.Fatal("listen", zap.Error(err))
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		log.Fatalf("rand: %v", err)
	}
	return hex.EncodeToString(b)
}
