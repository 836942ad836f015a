package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"swarmview/mirror/internal/config"
	"swarmview/mirror/internal/logging"
)

type stubServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *stubServerStream) Context() context.Context {
	return s.ctx
}

func TestSharedSecretInterceptorAcceptsValidSecret(t *testing.T) {
	interceptor := newSharedSecretStreamInterceptor("hunter2")
	for _, md := range []metadata.MD{
		metadata.Pairs(sharedSecretMetadataKey, "hunter2"),
		metadata.Pairs("authorization", "Bearer hunter2"),
	} {
		stream := &stubServerStream{ctx: metadata.NewIncomingContext(context.Background(), md)}
		called := false
		handler := func(any, grpc.ServerStream) error {
			called = true
			return nil
		}
		if err := interceptor(nil, stream, &grpc.StreamServerInfo{}, handler); err != nil {
			t.Fatalf("interceptor returned error: %v", err)
		}
		if !called {
			t.Fatalf("expected handler to be invoked for %v", md)
		}
	}
}

func TestSharedSecretInterceptorRejectsBadSecrets(t *testing.T) {
	interceptor := newSharedSecretStreamInterceptor("hunter2")
	handler := func(any, grpc.ServerStream) error { return nil }
	contexts := []context.Context{
		context.Background(),
		metadata.NewIncomingContext(context.Background(), metadata.Pairs(sharedSecretMetadataKey, "hunter3")),
	}
	for _, ctx := range contexts {
		err := interceptor(nil, &stubServerStream{ctx: ctx}, &grpc.StreamServerInfo{}, handler)
		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected unauthenticated code, got %v", err)
		}
	}
}

func TestLoadMTLSCredentialsFailsWithBadPaths(t *testing.T) {
	if _, err := loadMTLSCredentials("missing-cert", "missing-key", "missing-ca"); err == nil {
		t.Fatal("expected error for missing files")
	}
}

func TestEffectStreamServerOptionsMTLS(t *testing.T) {
	certFile, keyFile := generateSelfSignedCert(t)
	cfg := &config.Config{
		GRPCAuthMode:       config.GRPCAuthModeMTLS,
		GRPCServerCertPath: certFile,
		GRPCServerKeyPath:  keyFile,
		GRPCClientCAPath:   certFile,
	}
	opts, err := effectStreamServerOptions(cfg, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("effectStreamServerOptions: %v", err)
	}
	if len(opts) == 0 {
		t.Fatal("expected grpc options for mtls configuration")
	}
}

func TestEffectStreamServerOptionsSharedSecret(t *testing.T) {
	cfg := &config.Config{GRPCAuthMode: config.GRPCAuthModeSharedSecret, GRPCSharedSecret: "hunter2"}
	opts, err := effectStreamServerOptions(cfg, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("effectStreamServerOptions: %v", err)
	}
	if len(opts) == 0 {
		t.Fatal("expected grpc options for shared secret configuration")
	}
	if _, err := effectStreamServerOptions(&config.Config{GRPCAuthMode: "kerberos"}, nil); err == nil {
		t.Fatal("expected unknown auth mode to fail")
	}
}

func generateSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mirror-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}
