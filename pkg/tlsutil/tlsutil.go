// Package tlsutil builds client TLS configuration for wss:// and https:// endpoints.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/loopcore/errors"
)

// ClientConfig describes how the client verifies the server and, optionally,
// presents its own certificate.
type ClientConfig struct {
	CAFiles            []string `json:"ca_files,omitempty" yaml:"ca_files,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
	MinVersion         string   `json:"min_version,omitempty" yaml:"min_version,omitempty"`
	CertFile           string   `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile            string   `json:"key_file,omitempty" yaml:"key_file,omitempty"`
}

// IsZero reports whether no TLS option was set.
func (c ClientConfig) IsZero() bool {
	return len(c.CAFiles) == 0 && !c.InsecureSkipVerify && c.MinVersion == "" &&
		c.CertFile == "" && c.KeyFile == ""
}

// LoadClientTLSConfig creates a tls.Config for socket and REST clients.
// The system CA bundle is always trusted; CAFiles are added on top.
func LoadClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: parseTLSVersion(cfg.MinVersion),
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}

	for _, caFile := range cfg.CAFiles {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", fmt.Sprintf("read CA file %s", caFile))
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapFatal(
				fmt.Errorf("invalid PEM data"),
				"tlsutil",
				"LoadClientTLSConfig",
				fmt.Sprintf("parse CA certificate from %s", caFile),
			)
		}
	}
	tlsConfig.RootCAs = rootCAs

	// Operator opt-in only.
	if cfg.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, errors.WrapFatal(errors.ErrMissingConfig, "tlsutil", "LoadClientTLSConfig",
				"client certificate requires both cert_file and key_file")
		}
		clientCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	}

	return tlsConfig, nil
}

// parseTLSVersion converts version string to crypto/tls constant
// Returns tls.VersionTLS12 if empty or invalid
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	case "1.2":
		return tls.VersionTLS12
	default:
		return tls.VersionTLS12
	}
}
