// Command reviewctl is the operator and student side of the anonymous review
// protocol.
//
// # Usage
//
//	reviewctl keygen -out signing-key.pem -bits 3072
//	reviewctl claim  -server http://localhost:8080 -token $JWT -profs P1,P2 -out creds.json
//	reviewctl submit -server http://localhost:8080 -creds creds.json -prof P1 -rating 4 -comment "clear lectures"
//
// claim never writes the blinding factors to disk; creds.json holds only
// unblinded credentials.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/collapsinghierarchy/blindreview/model"
	"github.com/collapsinghierarchy/blindreview/pkc/blindsig"
	"github.com/collapsinghierarchy/blindreview/pkc/envelope"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "reviewctl:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: reviewctl keygen|claim|submit [flags]")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	switch args[0] {
	case "keygen":
		return keygen(args[1:], stdout)
	case "claim":
		return claimCmd(ctx, args[1:], stdout)
	case "submit":
		return submitCmd(ctx, args[1:], stdout)
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func keygen(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", "signing-key.pem", "PEM output path")
	bits := fs.Int("bits", 2048, "RSA modulus size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sk, err := blindsig.GenerateKey(*bits)
	if err != nil {
		return err
	}
	raw, err := blindsig.EncodePEM(sk)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, raw, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %d-bit signing key to %s\n", *bits, *out)
	return nil
}

func claimCmd(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("claim", flag.ContinueOnError)
	server := fs.String("server", "http://localhost:8080", "server base URL")
	token := fs.String("token", os.Getenv("REVIEWCTL_TOKEN"), "bearer token asserting the student identity")
	profs := fs.String("profs", "", "comma separated professor ids")
	out := fs.String("out", "creds.json", "credential output path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var ids []string
	for _, p := range strings.Split(*profs, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	if len(ids) == 0 {
		return errors.New("claim: -profs is required")
	}
	creds, err := newClient(*server, *token, nil).claim(ctx, ids)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, raw, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "stored %d credentials for cycle %s in %s\n", len(creds), creds[0].CycleID, *out)
	return nil
}

func submitCmd(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	server := fs.String("server", "http://localhost:8080", "server base URL")
	credsPath := fs.String("creds", "creds.json", "credential file from claim")
	prof := fs.String("prof", "", "professor id to review")
	rating := fs.Int("rating", 0, "rating 1..5")
	difficulty := fs.Int("difficulty", 0, "difficulty 1..5, 0 to omit")
	course := fs.String("course", "", "course code")
	comment := fs.String("comment", "", "review text")
	scheme := fs.String("scheme", envelope.SchemeRSAOAEP, "key wrap: "+envelope.SchemeRSAOAEP+" or "+envelope.SchemeHybridKEM)
	if err := fs.Parse(args); err != nil {
		return err
	}
	raw, err := os.ReadFile(*credsPath)
	if err != nil {
		return err
	}
	var creds []Credential
	if err := json.Unmarshal(raw, &creds); err != nil {
		return fmt.Errorf("read %s: %w", *credsPath, err)
	}
	idx := -1
	for i, c := range creds {
		if c.ProfID == *prof {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("no credential for professor %q in %s", *prof, *credsPath)
	}
	content := model.ReviewContent{Course: *course, Rating: *rating, Difficulty: *difficulty, Comment: *comment}
	if err := newClient(*server, "", nil).submit(ctx, creds[idx], content, *scheme); err != nil {
		return err
	}

	// a redeemed credential is worthless; drop it so it is not retried
	creds = append(creds[:idx], creds[idx+1:]...)
	if raw, err = json.MarshalIndent(creds, "", "  "); err != nil {
		return err
	}
	if err := os.WriteFile(*credsPath, raw, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "submitted review for %s; %d credentials left\n", *prof, len(creds))
	return nil
}
