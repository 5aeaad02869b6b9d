// ABOUTME: Server certificate loading with first-start generation
// ABOUTME: A persisted certificate keeps the fingerprint stable so pinned players keep trusting it
package config

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/channel"
)

// Certificate loads the configured key pair. When neither file exists a
// self-signed certificate is generated and written; created reports that.
// Without configured files the certificate lives only in memory.
func (s *Server) Certificate(hosts ...string) (cert tls.Certificate, created bool, err error) {
	certFile, keyFile := s.Server.CertFile, s.Server.KeyFile
	if certFile == "" {
		cert, err = channel.SelfSigned(hosts...)
		return cert, true, err
	}

	_, certErr := os.Stat(certFile)
	_, keyErr := os.Stat(keyFile)
	switch {
	case certErr == nil && keyErr == nil:
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return tls.Certificate{}, false, fmt.Errorf("load certificate: %w", err)
		}
		return cert, false, nil
	case errors.Is(certErr, os.ErrNotExist) && errors.Is(keyErr, os.ErrNotExist):
	default:
		return tls.Certificate{}, false, fmt.Errorf("load certificate: need both %s and %s", certFile, keyFile)
	}

	cert, err = channel.SelfSigned(hosts...)
	if err != nil {
		return tls.Certificate{}, false, err
	}
	if err := writeKeyPair(cert, certFile, keyFile); err != nil {
		return tls.Certificate{}, false, err
	}
	return cert, true, nil
}

func writeKeyPair(cert tls.Certificate, certFile, keyFile string) error {
	key, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return fmt.Errorf("encode key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: key})

	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	return nil
}
