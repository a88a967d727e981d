// Package testutil contains fixtures shared by tests that run nodes over TLS.
package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const certValidity = time.Hour * 24

// LocalCA is a root certificate authority that issues server certificates
// for loopback addresses.
type LocalCA struct {
	cert    *x509.Certificate
	certPEM []byte
	key     ed25519.PrivateKey
}

func NewLocalCA() (*LocalCA, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	template, err := certTemplate("flynode test ca")
	if err != nil {
		return nil, fmt.Errorf("ca template: %w", err)
	}
	template.IsCA = true
	template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("create ca cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse ca cert: %w", err)
	}

	return &LocalCA{
		cert:    cert,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		key:     key,
	}, nil
}

// Pool returns a pool containing only the CA certificate.
func (ca *LocalCA) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	return pool
}

// PEM returns the PEM encoded CA certificate.
func (ca *LocalCA) PEM() []byte {
	return ca.certPEM
}

// WriteCert writes the PEM encoded CA certificate to dir and returns its
// path.
func (ca *LocalCA) WriteCert(dir string) (string, error) {
	path := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(path, ca.certPEM, 0o600); err != nil {
		return "", fmt.Errorf("write ca: %w", err)
	}
	return path, nil
}

// ServerCert issues a certificate for 127.0.0.1, ::1 and localhost.
func (ca *LocalCA) ServerCert() (tls.Certificate, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	template, err := certTemplate("flynode test node")
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server template: %w", err)
	}
	template.KeyUsage = x509.KeyUsageDigitalSignature
	template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	template.DNSNames = []string{"localhost"}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, key.Public(), ca.key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create server cert: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse server cert: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// LocalTLSServerCert creates a root CA and a loopback server certificate
// signed by it.
func LocalTLSServerCert() (*x509.CertPool, tls.Certificate, error) {
	ca, err := NewLocalCA()
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	cert, err := ca.ServerCert()
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	return ca.Pool(), cert, nil
}

func certTemplate(commonName string) (*x509.Certificate, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"flynode"},
			CommonName:   commonName,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certValidity),
		BasicConstraintsValid: true,
	}, nil
}
