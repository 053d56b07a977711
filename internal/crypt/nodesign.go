package crypt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// MaxRecordSkew bounds how far a signed record's issued-at may drift from
// the verifier's wall clock before the record is rejected as a replay.
const MaxRecordSkew = 5 * time.Minute

var (
	// ErrBadSignature is returned when a membership record's HMAC does not
	// verify under the cluster secret.
	ErrBadSignature = errors.New("invalid record signature")

	// ErrRecordSkew is returned when issued-at is outside the allowed window.
	ErrRecordSkew = errors.New("record issued-at outside allowed skew")
)

// NodeSigner signs and verifies cluster membership records with
// HMAC-SHA256 under a cluster-shared secret. The secret is distinct from
// the payload key: leaking one must not compromise the other.
type NodeSigner struct {
	secret []byte
}

// NewNodeSigner creates a signer from the cluster secret.
func NewNodeSigner(secret []byte) (*NodeSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("cluster secret must not be empty")
	}
	return &NodeSigner{secret: secret}, nil
}

// Sign computes the base64 signature over (node id, host, port, issued-at).
func (s *NodeSigner) Sign(nodeID, host string, port int, issuedAt time.Time) string {
	return base64.StdEncoding.EncodeToString(s.mac(nodeID, host, port, issuedAt))
}

// Verify checks the signature and enforces that issuedAt is within
// MaxRecordSkew of now. Both checks must pass for a record to be trusted.
func (s *NodeSigner) Verify(nodeID, host string, port int, issuedAt time.Time, signature string, now time.Time) error {
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(got, s.mac(nodeID, host, port, issuedAt)) {
		return ErrBadSignature
	}
	skew := now.Sub(issuedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxRecordSkew {
		return ErrRecordSkew
	}
	return nil
}

func (s *NodeSigner) mac(nodeID, host string, port int, issuedAt time.Time) []byte {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%s|%d|%s", nodeID, host, port, issuedAt.UTC().Format(time.RFC3339))
	return mac.Sum(nil)
}
