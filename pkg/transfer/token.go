// Package transfer moves a workspace between installations: export into a
// hash-verified archive, import out of one, and the HTTP plumbing in
// between.
package transfer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// hashLength is the length of a base64url-encoded HMAC-SHA256 digest, which
// is where the timestamp starts inside a token.
const hashLength = 43

// DefaultTokenMaxAge is how long a transfer token stays valid.
const DefaultTokenMaxAge = 10 * time.Second

// ErrInvalidToken rejects a request before any state is touched.
var ErrInvalidToken = fmt.Errorf("invalid or expired transfer token")

// TokenIssuer mints and checks the short-lived request tokens both sides of
// a transfer share via a common secret.
type TokenIssuer struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, maxAge time.Duration) *TokenIssuer {
	if maxAge <= 0 {
		maxAge = DefaultTokenMaxAge
	}
	return &TokenIssuer{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Hash returns the keyed digest of the ':'-joined values.
func (t *TokenIssuer) Hash(values ...string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(strings.Join(values, ":")))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Token mints a token binding the given values to the current time: the
// digest over values plus timestamp, with the timestamp appended in clear.
func (t *TokenIssuer) Token(values ...string) string {
	ts := strconv.FormatInt(t.now().Unix(), 10)
	return t.Hash(append(append([]string{}, values...), ts)...) + ts
}

// Validate checks a token against the expected values. The digest compare
// is constant-time; expiry is inclusive, a token is still good exactly
// maxAge after minting.
func (t *TokenIssuer) Validate(token string, values ...string) error {
	if len(token) <= hashLength {
		return ErrInvalidToken
	}
	digest, tsPart := token[:hashLength], token[hashLength:]
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return ErrInvalidToken
	}

	expected := t.Hash(append(append([]string{}, values...), tsPart)...)
	if !hmac.Equal([]byte(digest), []byte(expected)) {
		return ErrInvalidToken
	}
	if t.now().Unix() > ts+int64(t.maxAge.Seconds()) {
		return ErrInvalidToken
	}
	return nil
}
