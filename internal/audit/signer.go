package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const signaturePrefix = "hmac-sha256:"

// Signer authenticates audit entries with HMAC-SHA256. Signatures cover the
// canonical form of an entry: Signature empty and GlobalSeq zero, because the
// global sequence is assigned by the database after signing.
type Signer struct {
	key []byte
}

// NewSigner creates an HMAC-SHA256 signer. Key must be at least 32 raw bytes
// or 64+ hex characters decoding to at least 32 bytes.
func NewSigner(key string) (*Signer, error) {
	keyBytes, err := resolveSigningKey(key)
	if err != nil {
		return nil, err
	}
	return &Signer{key: keyBytes}, nil
}

func resolveSigningKey(key string) ([]byte, error) {
	if len(key) >= 64 && len(key)%2 == 0 && isHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("signing key hex decode: %w", err)
		}
		if len(decoded) < 32 {
			return nil, fmt.Errorf("signing key hex must decode to at least 32 bytes (got %d)", len(decoded))
		}
		return decoded, nil
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes (got %d)", len(key))
	}
	return []byte(key), nil
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// SignEntry returns the signature over the canonical form of e. The argument
// is a copy; the caller's entry is not modified.
func (s *Signer) SignEntry(e Entry) (string, error) {
	e.Signature = ""
	e.GlobalSeq = 0
	payload, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshaling entry for signing: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyEntry reports whether e's signature matches its canonical form.
func (s *Signer) VerifyEntry(e Entry) bool {
	signature := e.Signature
	expected, err := s.SignEntry(e)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
