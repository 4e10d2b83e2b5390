package auth

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("abc").Token(context.Background())
	if err != nil || tok != "abc" {
		t.Errorf("Token() = %q, %v", tok, err)
	}
	if _, err := StaticToken("").Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("empty StaticToken error = %v, want ErrNoToken", err)
	}
}

func TestMintVerify(t *testing.T) {
	token, err := Mint("s3cret", "user-1", time.Hour)
	if err != nil {
		t.Fatalf("Mint() failed: %v", err)
	}

	sub, err := Verify("s3cret", token)
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if sub != "user-1" {
		t.Errorf("subject = %q, want user-1", sub)
	}

	if _, err := Verify("wrong", token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(wrong secret) error = %v, want ErrInvalidToken", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	token, err := Mint("s3cret", "user-1", -time.Minute)
	if err != nil {
		t.Fatalf("Mint() failed: %v", err)
	}
	if _, err := Verify("s3cret", token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(expired) error = %v, want ErrInvalidToken", err)
	}
}

func TestMint_Validation(t *testing.T) {
	if _, err := Mint("", "u", time.Hour); err == nil {
		t.Error("Mint() should reject an empty secret")
	}
	if _, err := Mint("s", "", time.Hour); err == nil {
		t.Error("Mint() should reject an empty user")
	}
}

func TestUserIDFromToken(t *testing.T) {
	token, _ := Mint("any-secret", "7d3f0c1e-0000-4000-8000-000000000001", time.Hour)

	sub, err := UserIDFromToken(token)
	if err != nil {
		t.Fatalf("UserIDFromToken() failed: %v", err)
	}
	if sub != "7d3f0c1e-0000-4000-8000-000000000001" {
		t.Errorf("sub = %q", sub)
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrNoToken},
		{"garbage", "not.a.jwt", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := UserIDFromToken(tt.token); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFileTokenSource_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("first\n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	src, err := NewFileTokenSource(path, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewFileTokenSource() failed: %v", err)
	}

	changed := make(chan string, 4)
	src.OnChange(func(tok string) { changed <- tok })

	if err := src.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer src.Stop()

	if err := src.Start(); err == nil {
		t.Error("second Start() should fail")
	}

	tok, _ := src.Token(context.Background())
	if tok != "first" {
		t.Fatalf("Token() = %q, want first", tok)
	}

	if err := os.WriteFile(path, []byte("second"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case got := <-changed:
		if got != "second" {
			t.Errorf("OnChange token = %q, want second", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for token reload")
	}

	tok, _ = src.Token(context.Background())
	if tok != "second" {
		t.Errorf("Token() = %q, want second", tok)
	}
}

func TestFileTokenSource_StopIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	_ = os.WriteFile(path, []byte("x"), 0600)

	src, err := NewFileTokenSource(path, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewFileTokenSource() failed: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Errorf("Stop() before Start() failed: %v", err)
	}
	if err := src.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !src.IsRunning() {
		t.Error("IsRunning() = false after Start()")
	}
	if err := src.Stop(); err != nil {
		t.Errorf("Stop() failed: %v", err)
	}
	if src.IsRunning() {
		t.Error("IsRunning() = true after Stop()")
	}
}

func TestFileTokenSource_MissingFile(t *testing.T) {
	if _, err := NewFileTokenSource(filepath.Join(t.TempDir(), "nope"), nil); err == nil {
		t.Error("NewFileTokenSource() should fail for a missing file")
	}
}
