package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ErrNoCertificates is returned when a CA bundle holds no usable certificates.
var ErrNoCertificates = errors.New("tlsconfig: no certificates found in CA file")

// ClientConfig returns the STARTTLS configuration used towards the relay.
// caFile, when set, replaces the system roots with the given PEM bundle.
func ClientConfig(serverName string, insecureSkipVerify bool, caFile string) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecureSkipVerify, //nolint:gosec // opt-in for lab relays
	}
	if caFile == "" {
		return conf, nil
	}

	pemData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, ErrNoCertificates
	}
	conf.RootCAs = pool
	return conf, nil
}
