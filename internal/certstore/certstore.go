// Package certstore loads the relay's TLS key/certificate pair at startup.
//
// The pair is immutable for the process lifetime; any load failure is fatal
// and must be reported before a listener is opened.
package certstore

import (
	"crypto/tls"
	"fmt"
	"os"
)

// Load reads a PEM certificate/key pair from disk.
//
// Errors name the file that failed so the startup diagnostic points at the
// right artifact of the provisioning step.
func Load(certFile, keyFile string) (tls.Certificate, error) {
	if _, err := os.Stat(certFile); err != nil {
		return tls.Certificate{}, fmt.Errorf("certificate file %s: %w", certFile, err)
	}
	if _, err := os.Stat(keyFile); err != nil {
		return tls.Certificate{}, fmt.Errorf("private key file %s: %w", keyFile, err)
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load certificate pair (%s, %s): %w", certFile, keyFile, err)
	}
	return cert, nil
}

// TLSConfig builds the server TLS configuration for a loaded pair.
func TLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}
