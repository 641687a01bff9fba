package main

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-i2p/go-secchan/lib/config"
	"github.com/go-i2p/go-secchan/lib/security/association"
	"github.com/go-i2p/go-secchan/lib/security/overlord"
	"github.com/go-i2p/go-secchan/lib/security/trust"
	"github.com/go-i2p/go-secchan/lib/transport/loopback"
	"github.com/go-i2p/go-secchan/lib/util"
	"github.com/go-i2p/go-secchan/lib/util/timer"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

type selfTestOptions struct {
	Config  overlord.Config
	Loss    float64
	Seed    uint64
	Timeout time.Duration
	// Export, when set, receives the throw-away CA and both node identities.
	Export string
}

type selfTestReport struct {
	Handshake   time.Duration
	Renegotiate time.Duration
	Sent        uint64
	Dropped     uint64
}

var selfTestFlags struct {
	loss       float64
	seed       uint64
	timeout    time.Duration
	retransmit time.Duration
	export     string
}

var selfTestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run two in-process nodes through handshake, echo and rekey",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := overlord.FromSecurityConfig(securityConfig)
		if selfTestFlags.retransmit > 0 {
			cfg.Handshake.RetransmitMin = selfTestFlags.retransmit
			cfg.Handshake.RetransmitMax = max(cfg.Handshake.RetransmitMax, selfTestFlags.retransmit)
		}
		report, err := runSelfTest(cmd.Context(), selfTestOptions{
			Config:  cfg,
			Loss:    selfTestFlags.loss,
			Seed:    selfTestFlags.seed,
			Timeout: selfTestFlags.timeout,
			Export:  selfTestFlags.export,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "handshake:   %s\n", report.Handshake.Round(time.Millisecond))
		fmt.Fprintf(out, "renegotiate: %s\n", report.Renegotiate.Round(time.Millisecond))
		fmt.Fprintf(out, "datagrams:   %d delivered, %d lost\n", report.Sent, report.Dropped)
		if selfTestFlags.export != "" {
			fmt.Fprintf(out, "identities written to %s\n", selfTestFlags.export)
		}
		return nil
	},
}

func init() {
	f := selfTestCmd.Flags()
	f.Float64Var(&selfTestFlags.loss, "loss", 0, "probability in [0,1] that a datagram is lost")
	f.Uint64Var(&selfTestFlags.seed, "seed", 1, "seed of the loss pattern")
	f.DurationVar(&selfTestFlags.timeout, "timeout", 30*time.Second, "give up after this long")
	f.DurationVar(&selfTestFlags.retransmit, "retransmit", 50*time.Millisecond, "first retransmission timeout, 0 keeps the configured value")
	f.StringVar(&selfTestFlags.export, "export", "", "write the generated CA and node identities to this directory")
}

type selfTestNode struct {
	addr  string
	store *trust.Store
	key   crypto.Signer
	cert  *x509.Certificate
}

func runSelfTest(ctx context.Context, opts selfTestOptions) (*selfTestReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	caKey, caMaker, caCert, err := newSelfTestCA()
	if err != nil {
		return nil, err
	}
	alpha, err := issueSelfTestNode("node://alpha", caMaker, caKey, caCert)
	if err != nil {
		return nil, err
	}
	beta, err := issueSelfTestNode("node://beta", caMaker, caKey, caCert)
	if err != nil {
		return nil, err
	}
	if opts.Export != "" {
		if err := exportSelfTest(opts.Export, caCert, alpha, beta); err != nil {
			return nil, err
		}
	}

	timers := timer.New(nil)
	defer timers.Close()
	oa, err := overlord.New(opts.Config, alpha.store, alpha.key, overlord.WithTimers(timers))
	if err != nil {
		return nil, err
	}
	util.RegisterCloser(oa)
	ob, err := overlord.New(opts.Config, beta.store, beta.key, overlord.WithTimers(timers))
	if err != nil {
		oa.Close()
		return nil, err
	}
	util.RegisterCloser(ob)
	defer util.CloseAll()

	ob.Subscribe(func(d association.Delivery) {
		if err := d.Association.Send(append([]byte("echo:"), d.Payload...)); err != nil {
			log.WithError(err).Debug("echo failed")
		}
	})
	echoes := make(chan string, 64)
	oa.Subscribe(func(d association.Delivery) {
		select {
		case echoes <- string(d.Payload):
		default:
		}
	})

	link := loopback.NewLink(
		loopback.Endpoint{Address: alpha.addr, Deliver: func(b []byte, from *loopback.Sender) { oa.HandleRaw(b, from, nil) }},
		loopback.Endpoint{Address: beta.addr, Deliver: func(b []byte, from *loopback.Sender) { ob.HandleRaw(b, from, nil) }},
		loopback.Options{Loss: opts.Loss, Seed: opts.Seed},
	)

	log.WithFields(logger.Fields{
		"at":   "runSelfTest",
		"loss": opts.Loss,
		"seed": opts.Seed,
	}).Debug("starting self test")

	report := &selfTestReport{}
	start := time.Now()
	a, err := oa.CreateAssociation(link.ToB(), true)
	if err != nil {
		return nil, err
	}
	if err := waitActive(ctx, a); err != nil {
		return nil, oops.Wrapf(err, "handshake")
	}
	report.Handshake = time.Since(start)

	if err := echo(ctx, a, echoes, "HelloWorld"); err != nil {
		return nil, err
	}

	start = time.Now()
	if err := a.Renegotiate(); err != nil {
		return nil, err
	}
	if err := waitActive(ctx, a); err != nil {
		return nil, oops.Wrapf(err, "renegotiation")
	}
	report.Renegotiate = time.Since(start)

	if err := echo(ctx, a, echoes, "HelloAgain"); err != nil {
		return nil, err
	}

	report.Sent, report.Dropped = link.Sent(), link.Dropped()
	return report, nil
}

func waitActive(ctx context.Context, a *association.Association) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		switch {
		case a.State() == association.Active:
			return nil
		case a.IsClosed():
			return oops.Errorf("association closed: %s: %v", a.CloseReason(), a.Err())
		}
		select {
		case <-ctx.Done():
			return oops.Wrapf(ctx.Err(), "association stuck in %s", a.State())
		case <-tick.C:
		}
	}
}

// echo sends msg until its echo comes back; the link may lose either copy.
func echo(ctx context.Context, a *association.Association, echoes <-chan string, msg string) error {
	resend := time.NewTicker(100 * time.Millisecond)
	defer resend.Stop()
	for {
		if err := a.Send([]byte(msg)); err != nil {
			return oops.Wrapf(err, "send %q", msg)
		}
	wait:
		for {
			select {
			case <-ctx.Done():
				return oops.Wrapf(ctx.Err(), "no echo for %q", msg)
			case got := <-echoes:
				if got == "echo:"+msg {
					return nil
				}
			case <-resend.C:
				break wait
			}
		}
	}
}

func newSelfTestCA() (ed25519.PrivateKey, *trust.Maker, *x509.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, nil, err
	}
	m := trust.NewMaker(pkix.Name{CommonName: "selftest-ca"}, pub, "")
	cert, err := m.SelfSign(priv)
	if err != nil {
		return nil, nil, nil, err
	}
	return priv, m, cert, nil
}

func issueSelfTestNode(addr string, ca *trust.Maker, caKey crypto.Signer, caCert *x509.Certificate) (*selfTestNode, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	cn := strings.TrimPrefix(addr, "node://")
	leaf, err := trust.NewMaker(pkix.Name{CommonName: cn}, pub, addr).Sign(ca, caKey)
	if err != nil {
		return nil, err
	}
	store := trust.NewStore(addr)
	if err := store.AddCaCertificate(caCert); err != nil {
		return nil, err
	}
	if err := store.AddLocalCertificate(leaf); err != nil {
		return nil, err
	}
	return &selfTestNode{addr: addr, store: store, key: priv, cert: leaf}, nil
}

// exportSelfTest lays out one trust directory per node under dir.
func exportSelfTest(dir string, caCert *x509.Certificate, nodes ...*selfTestNode) error {
	for _, n := range nodes {
		nodeDir, err := config.SanitizePath(dir, strings.TrimPrefix(n.addr, "node://"))
		if err != nil {
			return err
		}
		if err := config.CreateSecureDirectory(nodeDir); err != nil {
			return err
		}
		if err := trust.WriteCertificate(nodeDir, "ca-selftest.pem", caCert); err != nil {
			return err
		}
		if err := trust.WriteCertificate(nodeDir, "lc-node.pem", n.cert); err != nil {
			return err
		}
		if err := trust.WritePrivateKey(filepath.Join(nodeDir, trust.KeyFileName), n.key); err != nil {
			return err
		}
	}
	return nil
}
