package handshake

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509/pkix"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-i2p/go-secchan/lib/security/engine"
	"github.com/go-i2p/go-secchan/lib/security/trust"
	"github.com/stretchr/testify/require"
)

type authority struct {
	maker *trust.Maker
	key   ed25519.PrivateKey
}

func newAuthority(t *testing.T, name string) *authority {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &authority{maker: trust.NewMaker(pkix.Name{CommonName: name}, pub, ""), key: priv}
}

// identity returns a store trusting the given CAs and holding a leaf for id
// issued by issuer.
func (a *authority) identity(t *testing.T, id string, trusted ...*authority) (*trust.Store, crypto.Signer) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	leaf, err := trust.NewMaker(pkix.Name{CommonName: id}, pub, id).Sign(a.maker, a.key)
	require.NoError(t, err)

	store := trust.NewStore(id)
	require.NoError(t, store.AddLocalCertificate(leaf))
	for _, ca := range trusted {
		caCert, err := ca.maker.SelfSign(ca.key)
		require.NoError(t, err)
		require.NoError(t, store.AddCaCertificate(caCert))
	}
	return store, priv
}

type testPair struct {
	clock  *clock.Mock
	client *Engine
	server *Engine
	// drop, when set, decides whether a datagram from -> to is lost.
	drop func(fromClient bool, rec []byte) bool
}

func testConfig() Config {
	return Config{
		RetransmitMin:  100 * time.Millisecond,
		RetransmitMax:  time.Second,
		MaxRetransmits: 5,
		BufferLimit:    64,
	}
}

func newTestPair(t *testing.T, cookies bool) *testPair {
	t.Helper()
	ca := newAuthority(t, "root")
	clientStore, clientKey := ca.identity(t, "node://client", ca)
	serverStore, serverKey := ca.identity(t, "node://server", ca)
	return newTestPairWith(t, cookies, clientStore, clientKey, serverStore, serverKey)
}

func newTestPairWith(t *testing.T, cookies bool, cs *trust.Store, ck crypto.Signer, ss *trust.Store, sk crypto.Signer) *testPair {
	t.Helper()
	mock := clock.NewMock()
	var jar *CookieJar
	if cookies {
		var err error
		jar, err = NewCookieJar(mock, 16, time.Minute)
		require.NoError(t, err)
	}
	client, err := New(Params{Role: engine.Client, Store: cs, Signer: ck, Clock: mock, Config: testConfig()})
	require.NoError(t, err)
	server, err := New(Params{
		Role:        engine.Server,
		Store:       ss,
		Signer:      sk,
		Cookies:     jar,
		PeerAddress: "node://client",
		PeerID:      7,
		Clock:       mock,
		Config:      testConfig(),
	})
	require.NoError(t, err)
	return &testPair{clock: mock, client: client, server: server}
}

// transfer moves every datagram queued by from into to and steps to.
func (p *testPair) transfer(t *testing.T, from, to *Engine) (int, error) {
	t.Helper()
	recs := from.Out().Drain()
	for _, rec := range recs {
		if p.drop != nil && p.drop(from == p.client, rec) {
			continue
		}
		require.NoError(t, to.In().Write(rec))
	}
	if len(recs) == 0 {
		return 0, nil
	}
	if err := to.Step(); err != nil && !errors.Is(err, engine.ErrWantRead) {
		return len(recs), err
	}
	return len(recs), nil
}

// pump exchanges datagrams until both sides are quiet and returns the
// number of rounds it took.
func (p *testPair) pump(t *testing.T) int {
	t.Helper()
	rounds := 0
	for ; rounds < 100; rounds++ {
		n1, _ := p.transfer(t, p.client, p.server)
		n2, _ := p.transfer(t, p.server, p.client)
		if n1 == 0 && n2 == 0 {
			return rounds
		}
	}
	t.Fatalf("engines did not settle")
	return rounds
}

// expire advances the clock past both retransmission deadlines.
func (p *testPair) expire() {
	var latest time.Time
	for _, e := range []*Engine{p.client, p.server} {
		if d, ok := e.Timeout(); ok && d.After(latest) {
			latest = d
		}
	}
	if latest.IsZero() {
		return
	}
	p.clock.Set(latest)
	p.client.HandleTimeout()
	p.server.HandleTimeout()
}

func (p *testPair) start(t *testing.T) {
	t.Helper()
	require.NoError(t, p.client.Step())
}

func readAll(e *Engine) [][]byte {
	var out [][]byte
	for {
		msg, err := e.Read()
		if err != nil {
			return out
		}
		out = append(out, msg)
	}
}
