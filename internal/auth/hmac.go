package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ViewerAudience is stamped into every pass and required on verification.
const ViewerAudience = "swarmview-viewer"

var (
	// ErrInvalidPass covers bad signatures, wrong audiences and malformed passes.
	ErrInvalidPass = errors.New("invalid viewer pass")
	// ErrExpiredPass signals that the pass expiry is in the past.
	ErrExpiredPass = errors.New("viewer pass expired")
)

// Pass identifies one viewer allowed to watch the mirror.
type Pass struct {
	Viewer    string    `json:"-"`
	IssuedAt  time.Time `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

type passHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

type passClaims struct {
	Subject  string `json:"sub"`
	Expires  int64  `json:"exp"`
	Issued   int64  `json:"iat"`
	Audience string `json:"aud"`
}

// PassSigner issues and checks HS256 viewer passes in compact JWT form.
type PassSigner struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewPassSigner builds a signer for the shared secret with the given clock skew allowance.
func NewPassSigner(secret string, leeway time.Duration) (*PassSigner, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("viewer pass secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &PassSigner{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// WithClock overrides the signer clock.
func (s *PassSigner) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	s.now = clock
}

// Issue signs a pass for viewer valid for ttl.
func (s *PassSigner) Issue(viewer string, ttl time.Duration) (string, error) {
	viewer = strings.TrimSpace(viewer)
	if viewer == "" {
		return "", errors.New("viewer name must not be empty")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("pass ttl must be positive, got %s", ttl)
	}
	now := s.now()
	header, err := encodeSegment(passHeader{Algorithm: "HS256", Type: "JWT"})
	if err != nil {
		return "", err
	}
	claims, err := encodeSegment(passClaims{
		Subject:  viewer,
		Expires:  now.Add(ttl).Unix(),
		Issued:   now.Unix(),
		Audience: ViewerAudience,
	})
	if err != nil {
		return "", err
	}
	signingInput := header + "." + claims
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(s.sign(signingInput)), nil
}

// Verify checks signature, audience and expiry and returns the pass.
func (s *PassSigner) Verify(token string) (*Pass, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, errors.New("pass signer not initialised")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil, ErrInvalidPass
	}

	//1.- Check the algorithm and signature before trusting any claim.
	var header passHeader
	if err := decodeSegment(parts[0], &header); err != nil {
		return nil, ErrInvalidPass
	}
	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidPass, header.Algorithm)
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(signature, s.sign(parts[0]+"."+parts[1])) {
		return nil, ErrInvalidPass
	}

	//2.- Validate subject, audience and expiry with the configured leeway.
	var claims passClaims
	if err := decodeSegment(parts[1], &claims); err != nil {
		return nil, ErrInvalidPass
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.Expires <= 0 {
		return nil, ErrInvalidPass
	}
	if claims.Audience != ViewerAudience {
		return nil, fmt.Errorf("%w: audience %q", ErrInvalidPass, claims.Audience)
	}
	expiresAt := time.Unix(claims.Expires, 0)
	if expiresAt.Add(s.leeway).Before(s.now()) {
		return nil, ErrExpiredPass
	}
	return &Pass{Viewer: claims.Subject, IssuedAt: time.Unix(claims.Issued, 0), ExpiresAt: expiresAt}, nil
}

func (s *PassSigner) sign(input string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(input))
	return mac.Sum(nil)
}

func encodeSegment(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeSegment(segment string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
