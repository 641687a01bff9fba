package main

import (
	"crypto/x509"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-i2p/go-secchan/lib/config"
	"github.com/go-i2p/go-secchan/lib/security/trust"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var inspectFormat string

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List the certificates and key of the configured trust directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := buildInspectReport(securityConfig)
		if err != nil {
			return err
		}
		return report.write(cmd.OutOrStdout(), inspectFormat)
	},
}

func init() {
	inspectCmd.Flags().StringVarP(&inspectFormat, "output", "o", "table", "output format: table or yaml")
}

type certificateInfo struct {
	Kind    string   `yaml:"kind"`
	Subject string   `yaml:"subject"`
	Issuer  string   `yaml:"issuer"`
	Serial  string   `yaml:"serial"`
	IDs     []string `yaml:"ids,omitempty"`
	Expires string   `yaml:"expires"`
}

type inspectReport struct {
	TrustDir     string            `yaml:"trust_dir"`
	LocalID      string            `yaml:"local_id,omitempty"`
	Certificates []certificateInfo `yaml:"certificates"`
	KeyFile      string            `yaml:"key_file"`
	KeyStatus    string            `yaml:"key_status"`
	Warnings     []string          `yaml:"warnings,omitempty"`
}

func buildInspectReport(cfg *config.SecurityConfig) (*inspectReport, error) {
	store := trust.NewStore(cfg.LocalID)
	if _, err := store.LoadDirectory(cfg.TrustDir); err != nil {
		return nil, err
	}
	r := &inspectReport{TrustDir: cfg.TrustDir, LocalID: cfg.LocalID}
	for _, c := range store.CaCertificates() {
		r.Certificates = append(r.Certificates, describe("ca", c))
	}
	for _, c := range store.LocalCertificates() {
		r.Certificates = append(r.Certificates, describe("local", c))
	}
	if !store.Available() {
		r.Warnings = append(r.Warnings, "no trusted CA loaded, every peer will be rejected")
	}
	if err := r.inspectKey(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

func describe(kind string, c *x509.Certificate) certificateInfo {
	info := certificateInfo{
		Kind:    kind,
		Subject: c.Subject.CommonName,
		Issuer:  c.Issuer.CommonName,
		Serial:  string(trust.SerialOf(c)),
		Expires: c.NotAfter.UTC().Format(time.DateOnly),
	}
	for _, u := range c.URIs {
		info.IDs = append(info.IDs, u.String())
	}
	return info
}

func (r *inspectReport) inspectKey(cfg *config.SecurityConfig) error {
	path, err := config.SanitizePath(cfg.TrustDir, cfg.KeyFile)
	if err != nil {
		r.Warnings = append(r.Warnings, "key file is outside the trust directory")
		path = cfg.KeyFile
	}
	r.KeyFile = path
	secure, err := config.IsPathSecure(path, config.SecureFilePermissions)
	if err != nil {
		return err
	}
	switch _, err := trust.LoadPrivateKey(path); {
	case err != nil:
		r.KeyStatus = "unavailable"
	case !secure:
		r.KeyStatus = "readable by other users"
		r.Warnings = append(r.Warnings, fmt.Sprintf("tighten permissions of %s to %04o", path, config.SecureFilePermissions))
	default:
		r.KeyStatus = "ok"
	}
	return nil
}

func (r *inspectReport) write(w io.Writer, format string) error {
	switch strings.ToLower(format) {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case "", "table":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	fmt.Fprintf(w, "trust directory: %s (%d certificates)\n", r.TrustDir, len(r.Certificates))
	if r.LocalID != "" {
		fmt.Fprintf(w, "local id: %s\n", r.LocalID)
	}
	if len(r.Certificates) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KIND\tSUBJECT\tISSUER\tSERIAL\tIDS\tEXPIRES")
		for _, c := range r.Certificates {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				c.Kind, c.Subject, c.Issuer, c.Serial, strings.Join(c.IDs, ","), c.Expires)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "key: %s %s\n", r.KeyFile, r.KeyStatus)
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	return nil
}
