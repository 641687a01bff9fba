package overlord

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-i2p/go-secchan/lib/security/association"
	"github.com/go-i2p/go-secchan/lib/security/handshake"
	"github.com/go-i2p/go-secchan/lib/security/trust"
	"github.com/go-i2p/go-secchan/lib/transport/loopback"
	"github.com/go-i2p/go-secchan/lib/util/timer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const (
	clientAddr = "node://client"
	serverAddr = "node://server"
)

type authority struct {
	maker *trust.Maker
	key   ed25519.PrivateKey
	cert  *x509.Certificate
}

func newAuthority(t *testing.T, name string) *authority {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	m := trust.NewMaker(pkix.Name{CommonName: name}, pub, "")
	cert, err := m.SelfSign(priv)
	require.NoError(t, err)
	return &authority{maker: m, key: priv, cert: cert}
}

func (a *authority) node(t *testing.T, id string, trusted ...*authority) (*trust.Store, crypto.Signer) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	leaf, err := trust.NewMaker(pkix.Name{CommonName: id}, pub, id).Sign(a.maker, a.key)
	require.NoError(t, err)
	store := trust.NewStore(id)
	require.NoError(t, store.AddLocalCertificate(leaf))
	for _, ca := range trusted {
		require.NoError(t, store.AddCaCertificate(ca.cert))
	}
	return store, priv
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Handshake = handshake.Config{
		RetransmitMin:  100 * time.Millisecond,
		RetransmitMax:  400 * time.Millisecond,
		MaxRetransmits: 100,
		BufferLimit:    256,
	}
	cfg.InactivityTimeout = 0
	return cfg
}

type announcement struct {
	a *association.Association
	s association.State
}

// peer is one overlord plus everything it delivered and announced.
type peer struct {
	o    *Overlord
	addr string

	mu         sync.Mutex
	deliveries []association.Delivery
	announced  []announcement
}

func (p *peer) endpoint() loopback.Endpoint {
	return loopback.Endpoint{
		Address: p.addr,
		Deliver: func(data []byte, from *loopback.Sender) {
			p.o.HandleRaw(data, from, "loopback")
		},
	}
}

func (p *peer) received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.deliveries))
	for _, d := range p.deliveries {
		out = append(out, string(d.Payload))
	}
	return out
}

func (p *peer) delivery(i int) association.Delivery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deliveries[i]
}

func (p *peer) statesOf(a *association.Association) []association.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []association.State
	for _, n := range p.announced {
		if n.a == a {
			out = append(out, n.s)
		}
	}
	return out
}

// only returns the single registered association.
func (p *peer) only(t *testing.T) *association.Association {
	t.Helper()
	all := p.o.Associations()
	require.Len(t, all, 1)
	return all[0]
}

type harness struct {
	clock  *clock.Mock
	timers *timer.Service
	client *peer
	server *peer
	link   *loopback.Link
}

type harnessOptions struct {
	clientCfg   *Config
	serverCfg   *Config
	clientStore *trust.Store
	clientKey   crypto.Signer
	serverStore *trust.Store
	serverKey   crypto.Signer
	loss        float64
	seed        uint64
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, harnessOptions{})
}

func newHarnessWith(t *testing.T, o harnessOptions) *harness {
	t.Helper()
	if o.clientStore == nil {
		ca := newAuthority(t, "root")
		o.clientStore, o.clientKey = ca.node(t, clientAddr, ca)
		o.serverStore, o.serverKey = ca.node(t, serverAddr, ca)
	}
	mock := clock.NewMock()
	h := &harness{clock: mock, timers: timer.NewManual(mock)}
	h.client = h.newPeer(t, clientAddr, o.clientStore, o.clientKey, o.clientCfg)
	h.server = h.newPeer(t, serverAddr, o.serverStore, o.serverKey, o.serverCfg)
	h.link = loopback.NewLink(h.client.endpoint(), h.server.endpoint(), loopback.Options{Loss: o.loss, Seed: o.seed})
	return h
}

func (h *harness) newPeer(t *testing.T, addr string, store *trust.Store, key crypto.Signer, cfg *Config) *peer {
	t.Helper()
	c := testConfig()
	if cfg != nil {
		c = *cfg
	}
	o, err := New(c, store, key, WithClock(h.clock), WithTimers(h.timers), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })

	p := &peer{o: o, addr: addr}
	o.Subscribe(func(d association.Delivery) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.deliveries = append(p.deliveries, d)
	})
	o.OnAnnounce(func(a *association.Association, s association.State) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.announced = append(p.announced, announcement{a: a, s: s})
	})
	return p
}

// connect opens the client side and returns it.
func (h *harness) connect(t *testing.T) *association.Association {
	t.Helper()
	a, err := h.client.o.CreateAssociation(h.link.ToB(), true)
	require.NoError(t, err)
	return a
}

// settle advances simulated time in retransmission sized steps until done
// reports true or the step budget runs out.
func (h *harness) settle(steps int, done func() bool) bool {
	for i := 0; i < steps; i++ {
		if done() {
			return true
		}
		h.clock.Add(100 * time.Millisecond)
		h.timers.Poll()
	}
	return done()
}

func active(a *association.Association) bool {
	return a != nil && a.State() == association.Active
}

// discard is a sender whose datagrams go nowhere.
type discard string

func (d discard) Send([]byte) error { return nil }
func (d discard) Address() string   { return string(d) }
