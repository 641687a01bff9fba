package handshake

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/go-i2p/go-secchan/lib/security/engine"
	"github.com/go-i2p/go-secchan/lib/security/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_LosslessHandshake(t *testing.T) {
	p := newTestPair(t, false)
	p.start(t)
	rounds := p.pump(t)

	assert.LessOrEqual(t, rounds, 3)
	assert.Equal(t, engine.Established, p.client.State())
	assert.Equal(t, engine.Established, p.server.State())
	assert.Equal(t, uint64(1), p.client.Generation())
	assert.Equal(t, uint64(1), p.server.Generation())

	require.NotNil(t, p.client.PeerCertificate())
	require.NotNil(t, p.server.PeerCertificate())
	assert.Equal(t, "node://server", p.client.PeerCertificate().URIs[0].String())
	assert.Equal(t, "node://client", p.server.PeerCertificate().URIs[0].String())

	_, armed := p.client.Timeout()
	assert.False(t, armed)
	_, armed = p.server.Timeout()
	assert.False(t, armed)
}

func TestEngine_CookieExchange(t *testing.T) {
	p := newTestPair(t, true)
	p.start(t)

	_, err := p.transfer(t, p.client, p.server)
	require.NoError(t, err)
	// A stale cookie costs the server no handshake state.
	assert.Equal(t, awaitHello, p.server.ex.step)
	verify := p.server.Out().Drain()
	require.Len(t, verify, 1)
	h, _, body, err := parseRecord(verify[0])
	require.NoError(t, err)
	assert.Equal(t, ContentHandshake, h.Type)
	m, err := parseMessage(body)
	require.NoError(t, err)
	assert.Equal(t, msgHelloVerify, m.Type)
	assert.Len(t, m.Cookie, 16)

	require.NoError(t, p.client.In().Write(verify[0]))
	require.NoError(t, p.client.Step())
	p.pump(t)

	assert.Equal(t, engine.Established, p.client.State())
	assert.Equal(t, engine.Established, p.server.State())
}

func TestEngine_WriteBeforeEstablished(t *testing.T) {
	p := newTestPair(t, false)
	assert.ErrorIs(t, p.client.Write([]byte("early")), engine.ErrWouldBlock)
	assert.ErrorIs(t, p.server.Write([]byte("early")), engine.ErrWouldBlock)
	_, err := p.server.Read()
	assert.ErrorIs(t, err, engine.ErrWantRead)
}

func TestEngine_ApplicationData(t *testing.T) {
	p := newTestPair(t, true)
	p.start(t)
	p.pump(t)

	require.NoError(t, p.client.Write([]byte("ping")))
	require.NoError(t, p.server.Write([]byte("pong")))
	p.pump(t)

	assert.Equal(t, [][]byte{[]byte("ping")}, readAll(p.server))
	assert.Equal(t, [][]byte{[]byte("pong")}, readAll(p.client))
}

func TestEngine_ClientEstablishesOnEarlyApplicationData(t *testing.T) {
	p := newTestPair(t, false)
	// Lose the server's Finished but let its data through.
	p.drop = func(fromClient bool, rec []byte) bool {
		h, _, _, err := parseRecord(rec)
		return err == nil && !fromClient && h.Type == ContentHandshake && h.Epoch == 1
	}
	p.start(t)
	p.pump(t)
	assert.Equal(t, engine.Established, p.server.State())
	assert.Equal(t, engine.Handshaking, p.client.State())

	require.NoError(t, p.server.Write([]byte("hello")))
	p.pump(t)
	assert.Equal(t, engine.Established, p.client.State())
	assert.Equal(t, [][]byte{[]byte("hello")}, readAll(p.client))
}

func TestEngine_RetransmitsLostFlights(t *testing.T) {
	p := newTestPair(t, true)
	lost := map[string]bool{}
	// Lose the first copy of every flight.
	p.drop = func(fromClient bool, rec []byte) bool {
		key := fmt.Sprintf("%v/%x", fromClient, rec[:1])
		if h, _, body, err := parseRecord(rec); err == nil && h.Type == ContentHandshake && h.Epoch == 0 {
			if m, err := parseMessage(body); err == nil {
				key = fmt.Sprintf("%v/%s", fromClient, m.Type)
			}
		}
		if lost[key] {
			return false
		}
		lost[key] = true
		return true
	}
	p.start(t)
	for i := 0; i < 20 && !(p.client.State() == engine.Established && p.server.State() == engine.Established); i++ {
		p.pump(t)
		p.expire()
	}
	assert.Equal(t, engine.Established, p.client.State())
	assert.Equal(t, engine.Established, p.server.State())
}

func TestEngine_HalfLossEventuallyEstablishes(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			p := newTestPair(t, true)
			p.client.cfg.MaxRetransmits = 1000
			p.server.cfg.MaxRetransmits = 1000
			rng := rand.New(rand.NewSource(seed))
			p.drop = func(bool, []byte) bool { return rng.Intn(2) == 0 }

			p.start(t)
			for i := 0; i < 500 && !(p.client.State() == engine.Established && p.server.State() == engine.Established); i++ {
				p.pump(t)
				p.expire()
			}
			assert.Equal(t, engine.Established, p.client.State())
			assert.Equal(t, engine.Established, p.server.State())
		})
	}
}

func TestEngine_HandshakeTimeout(t *testing.T) {
	p := newTestPair(t, false)
	p.start(t)
	p.client.Out().Drain()

	var err error
	for i := 0; i <= testConfig().MaxRetransmits; i++ {
		deadline, ok := p.client.Timeout()
		require.True(t, ok)
		p.clock.Set(deadline)
		_, err = p.client.HandleTimeout()
	}
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Equal(t, engine.Failed, p.client.State())
	assert.ErrorIs(t, p.client.LastError(), ErrHandshakeTimeout)
	_, armed := p.client.Timeout()
	assert.False(t, armed)
}

func TestEngine_BackoffDoubles(t *testing.T) {
	p := newTestPair(t, false)
	p.start(t)

	first, ok := p.client.Timeout()
	require.True(t, ok)
	p.clock.Set(first)
	did, err := p.client.HandleTimeout()
	require.NoError(t, err)
	assert.True(t, did)

	second, ok := p.client.Timeout()
	require.True(t, ok)
	assert.Equal(t, 2*testConfig().RetransmitMin, second.Sub(first))

	did, err = p.client.HandleTimeout()
	require.NoError(t, err)
	assert.False(t, did, "deadline not reached yet")
}

func TestEngine_RenegotiationPreservesOrder(t *testing.T) {
	p := newTestPair(t, false)
	p.start(t)
	p.pump(t)

	var sent [][]byte
	send := func(i int) {
		msg := []byte(fmt.Sprintf("msg-%02d", i))
		sent = append(sent, msg)
		require.NoError(t, p.client.Write(msg))
	}
	var got [][]byte

	for i := 0; i < 5; i++ {
		send(i)
	}
	require.NoError(t, p.client.Renegotiate())
	assert.Equal(t, engine.Renegotiating, p.client.State())
	assert.ErrorIs(t, p.client.Renegotiate(), ErrRenegotiating)
	for i := 5; i < 10; i++ {
		send(i)
		_, err := p.transfer(t, p.client, p.server)
		require.NoError(t, err)
		got = append(got, readAll(p.server)...)
		_, err = p.transfer(t, p.server, p.client)
		require.NoError(t, err)
	}
	p.pump(t)
	for i := 10; i < 15; i++ {
		send(i)
	}
	p.pump(t)
	got = append(got, readAll(p.server)...)

	assert.Equal(t, sent, got)
	assert.Equal(t, engine.Established, p.client.State())
	assert.Equal(t, engine.Established, p.server.State())
	assert.Equal(t, uint64(2), p.client.Generation())
	assert.Equal(t, uint64(2), p.server.Generation())
	assert.Equal(t, uint16(2), p.client.current.number)
	assert.Equal(t, uint16(2), p.server.current.number)
}

func TestEngine_ServerInitiatedRenegotiation(t *testing.T) {
	p := newTestPair(t, false)
	p.start(t)
	p.pump(t)

	require.NoError(t, p.server.Renegotiate())
	p.pump(t)
	assert.Equal(t, engine.Established, p.client.State())
	assert.Equal(t, engine.Established, p.server.State())
	assert.Equal(t, uint64(2), p.server.Generation())

	require.NoError(t, p.server.Write([]byte("after")))
	p.pump(t)
	assert.Equal(t, [][]byte{[]byte("after")}, readAll(p.client))
}

func TestEngine_SimultaneousRenegotiation(t *testing.T) {
	p := newTestPair(t, false)
	p.start(t)
	p.pump(t)

	require.NoError(t, p.client.Renegotiate())
	require.NoError(t, p.server.Renegotiate())
	p.pump(t)

	assert.Equal(t, engine.Established, p.client.State())
	assert.Equal(t, engine.Established, p.server.State())
	assert.Equal(t, uint64(2), p.client.Generation())
	assert.Equal(t, uint64(2), p.server.Generation())
	assert.True(t, p.client.ex.initiator, "the client's exchange wins")
}

func TestEngine_RenegotiateRequiresEstablished(t *testing.T) {
	p := newTestPair(t, false)
	assert.ErrorIs(t, p.client.Renegotiate(), ErrNotEstablished)
}

func TestEngine_ReplayedRecordIsDropped(t *testing.T) {
	p := newTestPair(t, false)
	p.start(t)
	p.pump(t)

	require.NoError(t, p.client.Write([]byte("once")))
	recs := p.client.Out().Drain()
	require.Len(t, recs, 1)
	require.NoError(t, p.server.In().Write(recs[0]))
	require.NoError(t, p.server.In().Write(recs[0]))

	assert.Equal(t, [][]byte{[]byte("once")}, readAll(p.server))
	assert.Equal(t, engine.Established, p.server.State())
}

func TestEngine_TamperedRecordIsFatal(t *testing.T) {
	p := newTestPair(t, false)
	p.start(t)
	p.pump(t)

	require.NoError(t, p.client.Write([]byte("secret")))
	recs := p.client.Out().Drain()
	require.Len(t, recs, 1)
	recs[0][len(recs[0])-1] ^= 0x01
	require.NoError(t, p.server.In().Write(recs[0]))

	_, err := p.server.Read()
	assert.ErrorIs(t, err, ErrBadMAC)
	assert.Equal(t, engine.Failed, p.server.State())

	// The fatal alert reaches the client.
	_, err = p.transfer(t, p.server, p.client)
	assert.ErrorIs(t, err, ErrPeerAlert)
	assert.Equal(t, engine.Failed, p.client.State())
}

func TestEngine_ShutdownSendsCloseNotify(t *testing.T) {
	p := newTestPair(t, false)
	p.start(t)
	p.pump(t)

	require.NoError(t, p.client.Write([]byte("last")))
	require.NoError(t, p.client.Shutdown())
	assert.Equal(t, engine.Closed, p.client.State())
	assert.ErrorIs(t, p.client.Write([]byte("late")), engine.ErrClosed)

	p.pump(t)
	msg, err := p.server.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("last"), msg)
	_, err = p.server.Read()
	assert.ErrorIs(t, err, engine.ErrZeroReturn)
	assert.Equal(t, engine.Closed, p.server.State())
}

func TestEngine_NoCommonCAOffersDefault(t *testing.T) {
	caA := newAuthority(t, "a")
	caB := newAuthority(t, "b")
	clientStore, clientKey := caA.identity(t, "node://client", caA)
	serverStore, serverKey := caB.identity(t, "node://server", caB)

	p := newTestPairWith(t, false, clientStore, clientKey, serverStore, serverKey)
	p.start(t)
	p.pump(t)

	// The engines agree on keys; rejecting the peer is left to the caller.
	require.Equal(t, engine.Established, p.client.State())
	require.Equal(t, engine.Established, p.server.State())
	assert.ErrorIs(t, serverStore.Verify(p.server.PeerCertificate()), trust.ErrUnsupportedCA)
	assert.ErrorIs(t, clientStore.Verify(p.client.PeerCertificate()), trust.ErrUnsupportedCA)
}

func TestEngine_NoLocalCertificate(t *testing.T) {
	ca := newAuthority(t, "root")
	clientStore, clientKey := ca.identity(t, "node://client", ca)
	serverStore := trust.NewStore("node://server")
	caCert, err := ca.maker.SelfSign(ca.key)
	require.NoError(t, err)
	require.NoError(t, serverStore.AddCaCertificate(caCert))

	p := newTestPairWith(t, false, clientStore, clientKey, serverStore, clientKey)
	p.start(t)
	_, err = p.transfer(t, p.client, p.server)
	assert.True(t, errors.Is(err, trust.ErrNoSupportedCertificate), "got %v", err)
	assert.Equal(t, engine.Failed, p.server.State())

	_, err = p.transfer(t, p.server, p.client)
	assert.ErrorIs(t, err, ErrPeerAlert)
}

func TestEngine_CloseIsFinal(t *testing.T) {
	p := newTestPair(t, false)
	p.start(t)
	p.client.Close()
	p.client.Close()
	assert.Equal(t, engine.Closed, p.client.State())
	assert.ErrorIs(t, p.client.Step(), engine.ErrClosed)
	_, err := p.client.Read()
	assert.ErrorIs(t, err, engine.ErrClosed)
	assert.Zero(t, p.client.Out().Pending())
}
