package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"swarmview/mirror/internal/auth"
)

type viewerAuthenticator interface {
	Authenticate(r *http.Request) (string, error)
}

type allowAllAuthenticator struct{}

func (allowAllAuthenticator) Authenticate(r *http.Request) (string, error) {
	return "anonymous", nil
}

type passAuthenticator struct {
	signer *auth.PassSigner
}

func newPassAuthenticator(secret string) (viewerAuthenticator, error) {
	signer, err := auth.NewPassSigner(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &passAuthenticator{signer: signer}, nil
}

// Authenticate validates the viewer pass and returns the viewer name.
func (a *passAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a == nil || a.signer == nil {
		return "", errors.New("pass signer not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("pass"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Viewer-Pass"))
	}
	if token == "" {
		return "", errors.New("missing viewer pass")
	}
	pass, err := a.signer.Verify(token)
	if err != nil {
		return "", err
	}
	return pass.Viewer, nil
}
