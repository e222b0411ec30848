package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("shared-secret", 10*time.Second)

	token := issuer.Token("archive", "stage")
	require.NoError(t, issuer.Validate(token, "archive", "stage"))
}

func TestTokenRejectsWrongValues(t *testing.T) {
	issuer := NewTokenIssuer("shared-secret", 10*time.Second)

	token := issuer.Token("archive", "stage")
	assert.ErrorIs(t, issuer.Validate(token, "archive", "other"), ErrInvalidToken)
	assert.ErrorIs(t, issuer.Validate(token, "status", "stage"), ErrInvalidToken)
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer("shared-secret", 10*time.Second)
	other := NewTokenIssuer("different-secret", 10*time.Second)

	token := issuer.Token("archive", "stage")
	assert.ErrorIs(t, other.Validate(token, "archive", "stage"), ErrInvalidToken)
}

func TestTokenExpiryBoundary(t *testing.T) {
	issuer := NewTokenIssuer("shared-secret", 10*time.Second)
	minted := time.Now()
	issuer.now = func() time.Time { return minted }

	token := issuer.Token("archive", "stage")

	// Still valid exactly at the age limit.
	issuer.now = func() time.Time { return minted.Add(10 * time.Second) }
	require.NoError(t, issuer.Validate(token, "archive", "stage"))

	// One second later it is dead.
	issuer.now = func() time.Time { return minted.Add(11 * time.Second) }
	assert.ErrorIs(t, issuer.Validate(token, "archive", "stage"), ErrInvalidToken)
}

func TestTokenRejectsGarbage(t *testing.T) {
	issuer := NewTokenIssuer("shared-secret", 10*time.Second)

	assert.ErrorIs(t, issuer.Validate("", "a"), ErrInvalidToken)
	assert.ErrorIs(t, issuer.Validate("short", "a"), ErrInvalidToken)
	// Digest-length prefix with a non-numeric timestamp.
	garbage := issuer.Hash("x") + "not-a-timestamp"
	assert.ErrorIs(t, issuer.Validate(garbage, "a"), ErrInvalidToken)
}

func TestHashLength(t *testing.T) {
	issuer := NewTokenIssuer("shared-secret", 0)
	assert.Len(t, issuer.Hash("anything"), hashLength)
}
