package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"groundchat/internal/usertoken"
)

func TestSplitCommandPrintsChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("abcdefghij"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out bytes.Buffer
	if err := newApp(&out).Run([]string{"groundctl", "split", "--size", "4", "--overlap", "1", path}); err != nil {
		t.Fatalf("split: %v", err)
	}
	got := out.String()
	for _, want := range []string{"chunk 0 (4 chars)\nabcd", "chunk 1 (4 chars)\ndefg", "chunk 2 (4 chars)\nghij"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "chunk 3") {
		t.Fatalf("unexpected extra chunk:\n%s", got)
	}
}

func TestSplitCommandRejectsBadOverlap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	_ = os.WriteFile(path, []byte("abc"), 0o644)
	var out bytes.Buffer
	if err := newApp(&out).Run([]string{"groundctl", "split", "--size", "4", "--overlap", "4", path}); err == nil {
		t.Fatal("expected overlap >= size to fail")
	}
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	const secret = "cli-test-secret-0123456789"
	var out bytes.Buffer
	if err := newApp(&out).Run([]string{"groundctl", "token", "--subject", "alice", "--secret", secret}); err != nil {
		t.Fatalf("token: %v", err)
	}
	v, err := usertoken.NewVerifier(usertoken.Config{HMACSecret: secret})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	sub, err := v.VerifySubject(strings.TrimSpace(out.String()))
	if err != nil || sub != "alice" {
		t.Fatalf("verify: sub=%q err=%v", sub, err)
	}
}

func TestInvalidLogLevel(t *testing.T) {
	var out bytes.Buffer
	if err := newApp(&out).Run([]string{"groundctl", "--log-level", "loud", "split", "-"}); err == nil {
		t.Fatal("expected invalid log level to fail")
	}
}
