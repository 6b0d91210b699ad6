package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

const TokenParam = "token"

// Signer builds provider callback URLs and verifies the token they carry.
// With an empty secret no token is issued and every callback verifies.
type Signer struct {
	baseURL string
	secret  []byte
}

func NewSigner(publicBaseURL, secret string) *Signer {
	return &Signer{
		baseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
		secret:  []byte(secret),
	}
}

func (s *Signer) Enabled() bool {
	return len(s.secret) > 0
}

// CallbackURL returns {base}/webhooks/{provider}/{attempt_id}, plus ?token= when signing is enabled.
func (s *Signer) CallbackURL(provider, attemptID string) string {
	u := s.baseURL + "/webhooks/" + url.PathEscape(provider) + "/" + url.PathEscape(attemptID)
	if !s.Enabled() {
		return u
	}
	return u + "?" + url.Values{TokenParam: []string{s.Token(provider, attemptID)}}.Encode()
}

func (s *Signer) Token(provider, attemptID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(provider))
	mac.Write([]byte("."))
	mac.Write([]byte(attemptID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) Verify(provider, attemptID, token string) bool {
	if !s.Enabled() {
		return true
	}
	expected := s.Token(provider, attemptID)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(token)))
}
