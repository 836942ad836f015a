package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestPassSignerRoundTrip(t *testing.T) {
	signer, err := NewPassSigner("secret", time.Second)
	if err != nil {
		t.Fatalf("NewPassSigner: %v", err)
	}
	fixedNow := time.Unix(1700000000, 0)
	signer.WithClock(func() time.Time { return fixedNow })

	token, err := signer.Issue("wall-display", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	pass, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if pass.Viewer != "wall-display" {
		t.Fatalf("unexpected viewer: %q", pass.Viewer)
	}
	if !pass.ExpiresAt.Equal(fixedNow.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %v", pass.ExpiresAt)
	}
}

func TestPassSignerRejectsExpiredPass(t *testing.T) {
	signer, err := NewPassSigner("secret", 0)
	if err != nil {
		t.Fatalf("NewPassSigner: %v", err)
	}
	now := time.Unix(1700000000, 0)
	signer.WithClock(func() time.Time { return now })
	token, err := signer.Issue("wall-display", time.Second)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	now = now.Add(2 * time.Second)

	if _, err := signer.Verify(token); !errors.Is(err, ErrExpiredPass) {
		t.Fatalf("expected ErrExpiredPass, got %v", err)
	}
}

func TestPassSignerRejectsForeignSignature(t *testing.T) {
	issuer, _ := NewPassSigner("other-secret", 0)
	signer, _ := NewPassSigner("secret", 0)
	token, err := issuer.Issue("wall-display", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := signer.Verify(token); !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass, got %v", err)
	}
}

func TestPassSignerRequiresViewerAudience(t *testing.T) {
	signer, _ := NewPassSigner("secret", 0)
	now := time.Unix(1700000000, 0)
	signer.WithClock(func() time.Time { return now })
	token := handSigned(t, "secret", `{"sub":"bot","exp":%d,"iat":%d,"aud":"ops-console"}`, now.Add(time.Minute).Unix(), now.Unix())

	if _, err := signer.Verify(token); !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass for foreign audience, got %v", err)
	}
}

func handSigned(t *testing.T, secret, format string, args ...any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(format, args...)))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(header + "." + payload))
	return header + "." + payload + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
