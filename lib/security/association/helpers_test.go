package association

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
	"github.com/go-i2p/go-secchan/lib/security/engine"
	"github.com/go-i2p/go-secchan/lib/security/handshake"
	"github.com/go-i2p/go-secchan/lib/security/idtable"
	"github.com/go-i2p/go-secchan/lib/security/trust"
	"github.com/go-i2p/go-secchan/lib/util/timer"
	"github.com/stretchr/testify/require"
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

// node returns a store for id holding a leaf issued by a and trusting the
// given authorities.
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

// pipe is a synchronous Sender that strips the framing and hands the record
// straight to the peer association.
type pipe struct {
	addr   string
	marker int

	mu   sync.Mutex
	peer *Association
	back Sender
	drop func(data []byte) bool
	sent int
}

func (p *pipe) Address() string { return p.addr }

func (p *pipe) Send(data []byte) error {
	p.mu.Lock()
	p.sent++
	peer, back, drop := p.peer, p.back, p.drop
	p.mu.Unlock()
	if peer == nil || (drop != nil && drop(data)) {
		return nil
	}
	payload, _, _, err := idtable.ParseHeader(data[p.marker:])
	if err != nil {
		return err
	}
	peer.HandleData(payload, back, "via-pipe")
	return nil
}

func (p *pipe) setDrop(drop func([]byte) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drop = drop
}

func (p *pipe) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

func dropAll([]byte) bool { return true }

// recorder collects deliveries and state transitions of one association.
type recorder struct {
	mu         sync.Mutex
	payloads   []string
	deliveries []Delivery
	states     []State
}

func (r *recorder) attach(a *Association) {
	a.Subscribe(func(d Delivery) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.payloads = append(r.payloads, string(d.Payload))
		r.deliveries = append(r.deliveries, d)
	})
	a.OnStateChange(func(_ *Association, s State) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, s)
	})
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func (r *recorder) transitions() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

type link struct {
	clock    *clock.Mock
	timers   *timer.Service
	client   *Association
	server   *Association
	toServer *pipe
	toClient *pipe
	clientRx *recorder
	serverRx *recorder
}

type linkOptions struct {
	clientStore  *trust.Store
	clientKey    crypto.Signer
	serverStore  *trust.Store
	serverKey    crypto.Signer
	serverAddr   string
	pendingLimit int
}

func testEngineConfig() handshake.Config {
	return handshake.Config{
		RetransmitMin:  100 * time.Millisecond,
		RetransmitMax:  time.Second,
		MaxRetransmits: 5,
		BufferLimit:    64,
	}
}

func newLink(t *testing.T) *link {
	t.Helper()
	ca := newAuthority(t, "root")
	cs, ck := ca.node(t, "node://client", ca)
	ss, sk := ca.node(t, "node://server", ca)
	return newLinkWith(t, linkOptions{clientStore: cs, clientKey: ck, serverStore: ss, serverKey: sk})
}

func newLinkWith(t *testing.T, o linkOptions) *link {
	t.Helper()
	mock := clock.NewMock()
	timers := timer.NewManual(mock)
	cfg := DefaultConfig()
	if o.pendingLimit > 0 {
		cfg.PendingLimit = o.pendingLimit
	}
	if o.serverAddr == "" {
		o.serverAddr = "node://server"
	}

	toServer := &pipe{addr: o.serverAddr, marker: len(cfg.Marker)}
	toClient := &pipe{addr: "node://client", marker: len(cfg.Marker)}

	clientEngine, err := handshake.New(handshake.Params{
		Role:   engine.Client,
		Store:  o.clientStore,
		Signer: o.clientKey,
		Clock:  mock,
		Config: testEngineConfig(),
	})
	require.NoError(t, err)
	serverEngine, err := handshake.New(handshake.Params{
		Role:        engine.Server,
		Store:       o.serverStore,
		Signer:      o.serverKey,
		PeerAddress: toClient.addr,
		PeerID:      0x11,
		Clock:       mock,
		Config:      testEngineConfig(),
	})
	require.NoError(t, err)

	client, err := New(Params{
		Sender:   toServer,
		Engine:   clientEngine,
		IDs:      idtable.NewPair(0x11, 0),
		Client:   true,
		Verifier: o.clientStore,
		Timers:   timers,
		Config:   cfg,
	})
	require.NoError(t, err)
	server, err := New(Params{
		Sender:   toClient,
		Engine:   serverEngine,
		IDs:      idtable.NewPair(0x22, 0x11),
		Verifier: o.serverStore,
		Timers:   timers,
		Config:   cfg,
	})
	require.NoError(t, err)

	toServer.peer, toServer.back = server, toClient
	toClient.peer, toClient.back = client, toServer

	l := &link{
		clock:    mock,
		timers:   timers,
		client:   client,
		server:   server,
		toServer: toServer,
		toClient: toClient,
		clientRx: &recorder{},
		serverRx: &recorder{},
	}
	l.clientRx.attach(client)
	l.serverRx.attach(server)
	return l
}

// fakeEngine lets tests drive the association through engine states the
// real handshake only passes through briefly.
type fakeEngine struct {
	clock   clock.Clock
	in, out *engine.Buffer

	state     engine.State
	lastErr   error
	gen       uint64
	cert      *x509.Certificate
	plain     [][]byte
	armed     bool
	deadline  time.Time
	timeouts  int
	shutdowns int
	closed    bool
}

var _ engine.Engine = (*fakeEngine)(nil)

func newFakeEngine(clk clock.Clock) *fakeEngine {
	return &fakeEngine{
		clock: clk,
		in:    engine.NewBuffer(16),
		out:   engine.NewBuffer(16),
		state: engine.Handshaking,
	}
}

func (f *fakeEngine) Step() error {
	if f.state.Terminal() {
		return f.lastErr
	}
	if len(f.in.Drain()) == 0 {
		return engine.ErrWantRead
	}
	return nil
}

func (f *fakeEngine) Read() ([]byte, error) {
	if len(f.plain) > 0 {
		p := f.plain[0]
		f.plain = f.plain[1:]
		return p, nil
	}
	if f.state.Terminal() {
		return nil, f.lastErr
	}
	return nil, engine.ErrWantRead
}

func (f *fakeEngine) Write(p []byte) error {
	if f.state == engine.Handshaking {
		return engine.ErrWouldBlock
	}
	return f.out.Write(p)
}

func (f *fakeEngine) State() engine.State                { return f.state }
func (f *fakeEngine) LastError() error                   { return f.lastErr }
func (f *fakeEngine) Generation() uint64                 { return f.gen }
func (f *fakeEngine) PeerCertificate() *x509.Certificate { return f.cert }
func (f *fakeEngine) Renegotiate() error                 { return nil }
func (f *fakeEngine) In() *engine.Buffer                 { return f.in }
func (f *fakeEngine) Out() *engine.Buffer                { return f.out }

func (f *fakeEngine) Timeout() (time.Time, bool) { return f.deadline, f.armed }

func (f *fakeEngine) HandleTimeout() (bool, error) {
	if !f.armed || f.clock.Now().Before(f.deadline) {
		return false, nil
	}
	f.timeouts++
	f.deadline = f.clock.Now().Add(time.Second)
	return true, f.out.Write([]byte("flight"))
}

func (f *fakeEngine) Shutdown() error {
	f.shutdowns++
	f.state = engine.Closed
	f.lastErr = engine.ErrClosed
	return nil
}

func (f *fakeEngine) Close() {
	f.closed = true
	if !f.state.Terminal() {
		f.state = engine.Closed
		f.lastErr = engine.ErrClosed
	}
}

// establish marks the fake handshake complete with cert as the peer.
func (f *fakeEngine) establish(cert *x509.Certificate) {
	f.state = engine.Established
	f.gen++
	f.cert = cert
}
