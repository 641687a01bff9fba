package handshake

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCookieJar_VerifyBindsInputs(t *testing.T) {
	jar, err := NewCookieJar(clock.NewMock(), 16, time.Minute)
	require.NoError(t, err)

	eph := make([]byte, 32)
	c := jar.Make("node://a", 1, eph)
	assert.Len(t, c, 16)
	assert.True(t, jar.Verify(c, "node://a", 1, eph))
	assert.False(t, jar.Verify(c, "node://b", 1, eph))
	assert.False(t, jar.Verify(c, "node://a", 2, eph))
	assert.False(t, jar.Verify(c, "node://a", 1, append([]byte{1}, eph[1:]...)))
	assert.False(t, jar.Verify(c[:8], "node://a", 1, eph))
}

func TestCookieJar_Rotation(t *testing.T) {
	mock := clock.NewMock()
	jar, err := NewCookieJar(mock, 8, time.Minute)
	require.NoError(t, err)

	eph := []byte("ephemeral")
	c := jar.Make("peer", 9, eph)

	mock.Add(90 * time.Second)
	assert.True(t, jar.Verify(c, "peer", 9, eph), "previous secret still accepted")
	assert.NotEqual(t, c, jar.Make("peer", 9, eph))

	mock.Add(2 * time.Minute)
	assert.False(t, jar.Verify(c, "peer", 9, eph))
}

func TestCookieJar_Config(t *testing.T) {
	_, err := NewCookieJar(nil, 33, time.Minute)
	assert.Error(t, err)
	_, err = NewCookieJar(nil, 16, 0)
	assert.Error(t, err)

	jar, err := NewCookieJar(nil, 0, time.Minute)
	require.NoError(t, err)
	assert.False(t, jar.Enabled())
	var none *CookieJar
	assert.False(t, none.Enabled())
}
