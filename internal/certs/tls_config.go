// Package certs loads the optional TLS material for the node API and peer traffic.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Paths locates PEM files on disk. Empty fields are not loaded.
type Paths struct {
	Cert string
	Key  string
	CA   string
}

// ServerTLSConfig returns the listener configuration, or nil when no certificate is
// configured and the node should serve plain HTTP.
func ServerTLSConfig(p Paths) (*tls.Config, error) {
	if p.Cert == "" && p.Key == "" {
		return nil, nil
	}
	if p.Cert == "" || p.Key == "" {
		return nil, fmt.Errorf("both tls cert and key paths must be provided")
	}
	certificate, err := tls.LoadX509KeyPair(p.Cert, p.Key)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig returns the configuration used to dial peers. A CA bundle replaces
// the system roots, which lets a private mesh use its own authority. It returns nil
// when nothing is configured.
func ClientTLSConfig(p Paths) (*tls.Config, error) {
	if p.CA == "" && p.Cert == "" && p.Key == "" {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if p.CA != "" {
		roots, err := loadPool(p.CA)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = roots
	}
	if p.Cert != "" || p.Key != "" {
		if p.Cert == "" || p.Key == "" {
			return nil, fmt.Errorf("both client cert and key paths must be provided")
		}
		certificate, err := tls.LoadX509KeyPair(p.Cert, p.Key)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{certificate}
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("invalid CA bundle")
	}
	return pool, nil
}
