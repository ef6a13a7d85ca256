// Package certgen produces self-signed certificate material for deployments
// that have no PKI. The transfer core never calls it; it only consumes files.
package certgen

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

const (
	DefaultOrganization = "quic-file-transfer"
	DefaultValidity     = 365 * 24 * time.Hour
)

var ErrNoHosts = errors.New("certgen: at least one host is required")

type Options struct {
	// Hosts become DNS or IP subject alternative names.
	Hosts        []string
	Organization string
	NotBefore    time.Time
	Validity     time.Duration
}

// Bundle holds a generated certificate and its private key in both encodings.
type Bundle struct {
	CertDER []byte
	KeyDER  []byte
	CertPEM []byte
	KeyPEM  []byte
}

func Generate(opts Options) (*Bundle, error) {
	if len(opts.Hosts) == 0 {
		return nil, ErrNoHosts
	}
	if opts.Organization == "" {
		opts.Organization = DefaultOrganization
	}
	if opts.Validity <= 0 {
		opts.Validity = DefaultValidity
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Minute)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		BasicConstraintsValid: true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		NotAfter:              opts.NotBefore.Add(opts.Validity),
		NotBefore:             opts.NotBefore,
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: opts.Hosts[0], Organization: []string{opts.Organization}},
	}
	for _, h := range opts.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		CertDER: certDER,
		KeyDER:  keyDER,
		CertPEM: pem.EncodeToMemory(&pem.Block{Bytes: certDER, Type: "CERTIFICATE"}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Bytes: keyDER, Type: "PRIVATE KEY"}),
	}, nil
}

func (b *Bundle) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(b.CertPEM, b.KeyPEM)
}

// Certificate returns the parsed leaf.
func (b *Bundle) Certificate() (*x509.Certificate, error) {
	return x509.ParseCertificate(b.CertDER)
}

// WriteFiles stores the bundle as PEM; the key file is only readable by the owner.
func (b *Bundle) WriteFiles(certPath, keyPath string) error {
	if err := os.WriteFile(certPath, b.CertPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, b.KeyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}
