package jwt

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParse(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	m := NewManager("secret", time.Minute, clock)

	tok, err := m.Generate(Grant{UserID: "alice", Channel: "room-1", UID: 42, Role: "host"})
	require.NoError(t, err)

	claims, err := m.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "room-1", claims.Channel)
	assert.Equal(t, uint32(42), claims.UID)
	assert.Equal(t, "host", claims.Role)
	assert.Equal(t, "alice", claims.UserID())
	assert.Equal(t, clock.Now().Add(time.Minute).Unix(), claims.ExpiresAt.Unix())
}

func TestParseExpired(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	m := NewManager("secret", time.Minute, clock)

	tok, err := m.Generate(Grant{Channel: "room-1", UID: 42, Role: "audience"})
	require.NoError(t, err)

	claims, err := m.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "42", claims.UserID())

	clock.Advance(2 * time.Minute)
	_, err = m.Parse(tok)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestParseInvalid(t *testing.T) {
	m := NewManager("secret", time.Minute, nil)
	other := NewManager("other", time.Minute, nil)

	tok, err := other.Generate(Grant{Channel: "room-1", UID: 7, Role: "audience"})
	require.NoError(t, err)

	_, err = m.Parse(tok)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = m.Parse("not-a-token")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = m.Generate(Grant{UID: 7, Role: "audience"})
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
