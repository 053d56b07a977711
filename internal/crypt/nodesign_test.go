package crypt

import (
	"errors"
	"testing"
	"time"
)

func TestNodeSignerVerify(t *testing.T) {
	signer, err := NewNodeSigner([]byte("cluster-secret"))
	if err != nil {
		t.Fatalf("NewNodeSigner failed: %v", err)
	}
	now := time.Now()

	t.Run("valid signature verifies", func(t *testing.T) {
		sig := signer.Sign("node-1", "10.0.0.5", 8768, now)
		if err := signer.Verify("node-1", "10.0.0.5", 8768, now, sig, now); err != nil {
			t.Errorf("expected verify to pass: %v", err)
		}
	})

	t.Run("different secret fails", func(t *testing.T) {
		other, _ := NewNodeSigner([]byte("other-secret"))
		sig := signer.Sign("node-1", "10.0.0.5", 8768, now)
		if err := other.Verify("node-1", "10.0.0.5", 8768, now, sig, now); !errors.Is(err, ErrBadSignature) {
			t.Errorf("expected ErrBadSignature, got %v", err)
		}
	})

	t.Run("tampered field fails", func(t *testing.T) {
		sig := signer.Sign("node-1", "10.0.0.5", 8768, now)
		if err := signer.Verify("node-1", "10.0.0.6", 8768, now, sig, now); !errors.Is(err, ErrBadSignature) {
			t.Errorf("expected ErrBadSignature for changed host, got %v", err)
		}
		if err := signer.Verify("node-1", "10.0.0.5", 9999, now, sig, now); !errors.Is(err, ErrBadSignature) {
			t.Errorf("expected ErrBadSignature for changed port, got %v", err)
		}
	})

	t.Run("stale issued-at rejected", func(t *testing.T) {
		issued := now.Add(-6 * time.Minute)
		sig := signer.Sign("node-1", "10.0.0.5", 8768, issued)
		if err := signer.Verify("node-1", "10.0.0.5", 8768, issued, sig, now); !errors.Is(err, ErrRecordSkew) {
			t.Errorf("expected ErrRecordSkew, got %v", err)
		}
	})

	t.Run("future issued-at rejected", func(t *testing.T) {
		issued := now.Add(6 * time.Minute)
		sig := signer.Sign("node-1", "10.0.0.5", 8768, issued)
		if err := signer.Verify("node-1", "10.0.0.5", 8768, issued, sig, now); !errors.Is(err, ErrRecordSkew) {
			t.Errorf("expected ErrRecordSkew, got %v", err)
		}
	})

	t.Run("within skew window passes", func(t *testing.T) {
		issued := now.Add(-4 * time.Minute)
		sig := signer.Sign("node-1", "10.0.0.5", 8768, issued)
		if err := signer.Verify("node-1", "10.0.0.5", 8768, issued, sig, now); err != nil {
			t.Errorf("expected verify within skew to pass: %v", err)
		}
	})
}

func TestNewNodeSignerEmptySecret(t *testing.T) {
	if _, err := NewNodeSigner(nil); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestTokens(t *testing.T) {
	t.Run("session tokens unique and URL-safe", func(t *testing.T) {
		t1, err := NewSessionToken()
		if err != nil {
			t.Fatalf("NewSessionToken failed: %v", err)
		}
		t2, _ := NewSessionToken()
		if t1 == t2 {
			t.Error("two session tokens should differ")
		}
		if len(t1) != 43 { // 32 bytes raw-url-encoded
			t.Errorf("unexpected token length %d", len(t1))
		}
	})

	t.Run("csrf tokens are 32 hex chars", func(t *testing.T) {
		tok, err := NewCSRFToken()
		if err != nil {
			t.Fatalf("NewCSRFToken failed: %v", err)
		}
		if len(tok) != 32 {
			t.Errorf("expected 32 chars, got %d", len(tok))
		}
	})

	t.Run("constant time comparison", func(t *testing.T) {
		if !ConstantTimeEquals("abc", "abc") {
			t.Error("equal strings should compare true")
		}
		if ConstantTimeEquals("abc", "abd") {
			t.Error("different strings should compare false")
		}
		if ConstantTimeEquals("abc", "abcd") {
			t.Error("different lengths should compare false")
		}
	})
}
