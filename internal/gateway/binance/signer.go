package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer produces Binance request signatures: hex-encoded HMAC-SHA256 of
// the full query string, keyed by the API secret.
type Signer struct {
	apiKey    string
	apiSecret string
}

// NewSigner creates a new Signer.
func NewSigner(apiKey, apiSecret string) *Signer {
	return &Signer{apiKey: apiKey, apiSecret: apiSecret}
}

// APIKey returns the API key sent in the X-MBX-APIKEY header.
func (s *Signer) APIKey() string {
	return s.apiKey
}

// Sign returns the signature for the given query payload.
func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
