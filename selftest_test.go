package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-i2p/go-secchan/lib/config"
	"github.com/go-i2p/go-secchan/lib/security/overlord"
	"github.com/go-i2p/go-secchan/lib/security/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func fastConfig() overlord.Config {
	cfg := overlord.DefaultConfig()
	cfg.Handshake.RetransmitMin = 20 * time.Millisecond
	cfg.Handshake.RetransmitMax = 200 * time.Millisecond
	cfg.Handshake.MaxRetransmits = 200
	return cfg
}

func TestSelfTest_Lossless(t *testing.T) {
	report, err := runSelfTest(context.Background(), selfTestOptions{Config: fastConfig(), Timeout: 20 * time.Second})
	require.NoError(t, err)
	assert.Zero(t, report.Dropped)
	assert.Greater(t, report.Sent, uint64(0))
}

func TestSelfTest_Lossy(t *testing.T) {
	report, err := runSelfTest(context.Background(), selfTestOptions{
		Config:  fastConfig(),
		Loss:    0.3,
		Seed:    42,
		Timeout: 60 * time.Second,
	})
	require.NoError(t, err)
	assert.Greater(t, report.Dropped, uint64(0))
}

func TestSelfTest_ExportThenInspect(t *testing.T) {
	dir := t.TempDir()
	_, err := runSelfTest(context.Background(), selfTestOptions{Config: fastConfig(), Export: dir})
	require.NoError(t, err)

	alphaDir := filepath.Join(dir, "alpha")
	store := trust.NewStore("node://alpha")
	n, err := store.LoadDirectory(alphaDir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	secure, err := config.IsPathSecure(filepath.Join(alphaDir, trust.KeyFileName), config.SecureFilePermissions)
	require.NoError(t, err)
	assert.True(t, secure)

	cfg := config.DefaultSecurityConfig()
	cfg.TrustDir = alphaDir
	cfg.KeyFile = filepath.Join(alphaDir, trust.KeyFileName)
	cfg.LocalID = "node://alpha"
	report, err := buildInspectReport(&cfg)
	require.NoError(t, err)
	require.Len(t, report.Certificates, 2)
	assert.Equal(t, "ca", report.Certificates[0].Kind)
	assert.Equal(t, "selftest-ca", report.Certificates[0].Subject)
	assert.Equal(t, []string{"node://alpha"}, report.Certificates[1].IDs)
	assert.Equal(t, "ok", report.KeyStatus)
	assert.Empty(t, report.Warnings)

	var out bytes.Buffer
	require.NoError(t, report.write(&out, "table"))
	assert.Contains(t, out.String(), "(2 certificates)")
	assert.Contains(t, out.String(), "key: "+cfg.KeyFile+" ok")

	out.Reset()
	require.NoError(t, report.write(&out, "yaml"))
	var decoded inspectReport
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, *report, decoded)
}

func TestInspect_MissingDirectory(t *testing.T) {
	cfg := config.DefaultSecurityConfig()
	cfg.TrustDir = filepath.Join(t.TempDir(), "absent")
	cfg.KeyFile = filepath.Join(cfg.TrustDir, "node.key")
	report, err := buildInspectReport(&cfg)
	require.NoError(t, err)
	assert.Empty(t, report.Certificates)
	assert.Equal(t, "unavailable", report.KeyStatus)
	assert.Contains(t, report.Warnings, "no trusted CA loaded, every peer will be rejected")

	var out bytes.Buffer
	require.NoError(t, report.write(&out, ""))
	assert.Contains(t, out.String(), "(0 certificates)")
	assert.Error(t, report.write(&out, "xml"))
}
