package main

import (
	"crypto/x509"
	"testing"
)

func TestLocalTLSConfigCoversLoopback(t *testing.T) {
	cfg, err := newLocalTLSConfig()
	if err != nil {
		t.Fatalf("build tls config: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("certificates = %d, want 1", len(cfg.Certificates))
	}
	chain := cfg.Certificates[0].Certificate
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want leaf plus CA", len(chain))
	}

	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	if err := leaf.VerifyHostname("127.0.0.1"); err != nil {
		t.Fatalf("leaf does not cover 127.0.0.1: %v", err)
	}
	if err := leaf.VerifyHostname("localhost"); err != nil {
		t.Fatalf("leaf does not cover localhost: %v", err)
	}

	ca, err := x509.ParseCertificate(chain[1])
	if err != nil {
		t.Fatalf("parse CA: %v", err)
	}
	if !ca.IsCA {
		t.Fatalf("second chain entry is not a CA")
	}
	if err := leaf.CheckSignatureFrom(ca); err != nil {
		t.Fatalf("leaf not signed by bundled CA: %v", err)
	}
}
