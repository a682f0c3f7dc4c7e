// Package signer computes and verifies keyed integrity tags over
// session state. The tag is an HMAC-SHA256 over a canonical JSON
// serialization (lexicographically sorted keys, no extraneous
// whitespace), so any field mutation of a stored record is detected
// on load. Signing provides integrity, not confidentiality.
package signer

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"warden/internal/state"
)

// signatureField is stripped from the payload before the tag is
// computed, so the tag never covers itself.
const signatureField = "signature"

// Signer attaches and checks integrity tags on session state.
type Signer interface {
	// Sign computes the tag over st (ignoring any prior tag) and
	// stores it in st.Signature.
	Sign(st *state.SessionState) error

	// Verify recomputes the tag and compares it in constant time.
	// Returns false when the tag is absent, malformed, or mismatched.
	Verify(st *state.SessionState) bool
}

type hmacSigner struct {
	secret []byte
}

// New returns an HMAC-SHA256 signer. The secret is mandatory: callers
// must fail at startup when none is configured, there is no unsigned
// fallback here.
func New(secret []byte) (Signer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret is required but not configured")
	}
	s := &hmacSigner{secret: make([]byte, len(secret))}
	copy(s.secret, secret)
	return s, nil
}

func (s *hmacSigner) Sign(st *state.SessionState) error {
	tag, err := s.tag(st)
	if err != nil {
		return fmt.Errorf("signing session %s: %w", st.ID, err)
	}
	st.Signature = tag
	return nil
}

func (s *hmacSigner) Verify(st *state.SessionState) bool {
	if st == nil || st.Signature == "" {
		return false
	}
	got, err := hex.DecodeString(st.Signature)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	tag, err := s.tag(st)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(tag)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

// tag serializes st canonically, minus the signature field, and
// returns the hex-encoded HMAC over those bytes.
func (s *hmacSigner) tag(st *state.SessionState) (string, error) {
	canon, err := Canonicalize(st)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canon)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Canonicalize returns the canonical JSON bytes of v with the
// signature field removed: keys sorted lexicographically at every
// level, compact output, numbers emitted verbatim.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serializing for canonical form: %w", err)
	}

	// Re-parse into a generic tree. encoding/json emits map keys in
	// sorted order and compact form, which is exactly the canonical
	// shape we need. UseNumber keeps numeric literals byte-stable.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("parsing for canonical form: %w", err)
	}
	if obj, ok := tree.(map[string]any); ok {
		delete(obj, signatureField)
	}

	canon, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("writing canonical form: %w", err)
	}
	return canon, nil
}

// disabledSigner is the explicit opt-out for local-first deployments
// that trust their note store. Sign leaves no tag and Verify accepts
// everything. Selected only through configuration, never by default.
type disabledSigner struct{}

// Disabled returns a signer that performs no integrity checking.
func Disabled() Signer {
	return disabledSigner{}
}

func (disabledSigner) Sign(st *state.SessionState) error {
	st.Signature = ""
	return nil
}

func (disabledSigner) Verify(*state.SessionState) bool { return true }
