// Package trust builds the TLS trust policy shared by both transfer roles.
//
// A server binds exactly one certificate chain and its private key. A client
// picks one of two explicitly named policies: Verify, which validates the peer
// chain against a root pool, or SkipVerification, which accepts any peer and
// exists for test and lab deployments only. There is no implicit default.
package trust

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
)

// ALPN is negotiated by both roles; peers speaking anything else are refused.
const ALPN = "quic-file-transfer"

var (
	ErrConfig = errors.New("invalid trust configuration")
	ErrTrust  = errors.New("peer certificate rejected")
)

// ServerTrust is the immutable server side configuration.
type ServerTrust struct {
	cert tls.Certificate
	leaf *x509.Certificate
}

// BuildServerTrust binds a DER encoded chain (leaf first) to its private key.
// The key may be PEM or DER in PKCS#8, PKCS#1 or SEC 1 form.
func BuildServerTrust(chain [][]byte, key []byte) (*ServerTrust, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: empty certificate chain", ErrConfig)
	}

	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, fmt.Errorf("%w: parse leaf certificate: %w", ErrConfig, err)
	}
	for i, der := range chain[1:] {
		if _, err := x509.ParseCertificate(der); err != nil {
			return nil, fmt.Errorf("%w: parse chain certificate %d: %w", ErrConfig, i+1, err)
		}
	}

	keyDER, err := decodeKey(key)
	if err != nil {
		return nil, err
	}
	signer, err := parsePrivateKey(keyDER)
	if err != nil {
		return nil, err
	}

	pub, ok := leaf.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(signer.Public()) {
		return nil, fmt.Errorf("%w: private key does not match certificate", ErrConfig)
	}

	return &ServerTrust{
		cert: tls.Certificate{
			Certificate: chain,
			PrivateKey:  signer,
			Leaf:        leaf,
		},
		leaf: leaf,
	}, nil
}

// Leaf returns the certificate presented to clients.
func (s *ServerTrust) Leaf() *x509.Certificate {
	return s.leaf
}

// TLSConfig returns a fresh server config. keyLog may be nil.
func (s *ServerTrust) TLSConfig(keyLog io.Writer) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{s.cert},
		NextProtos:   []string{ALPN},
		KeyLogWriter: keyLog,
	}
}

// Mode is the client trust policy. It is implemented by Verify and
// SkipVerification only.
type Mode interface {
	isMode()
	String() string
}

// Verify validates the server chain, expiry and host name against Roots.
// A nil Roots pool means the system roots.
type Verify struct {
	Roots *x509.CertPool
}

func (Verify) isMode()        {}
func (Verify) String() string { return "verify" }

// Check validates a presented chain, leaf first, for serverName.
func (v Verify) Check(certs []*x509.Certificate, serverName string) error {
	if len(certs) == 0 {
		return fmt.Errorf("%w: no certificate presented", ErrTrust)
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}

	_, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         v.Roots,
		Intermediates: intermediates,
		DNSName:       serverName,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTrust, err)
	}
	return nil
}

// SkipVerification accepts any server certificate, including self-signed and
// expired ones. Never use it outside controlled deployments.
type SkipVerification struct{}

func (SkipVerification) isMode()        {}
func (SkipVerification) String() string { return "skip-verification" }

// ClientTrust is the immutable client side configuration.
type ClientTrust struct {
	mode Mode
}

func BuildClientTrust(mode Mode) (*ClientTrust, error) {
	switch mode.(type) {
	case Verify, *Verify, SkipVerification, *SkipVerification:
	default:
		return nil, fmt.Errorf("%w: unknown client trust mode %T", ErrConfig, mode)
	}
	if v, ok := mode.(*Verify); ok {
		if v == nil {
			return nil, fmt.Errorf("%w: nil verify mode", ErrConfig)
		}
		mode = *v
	}
	if _, ok := mode.(*SkipVerification); ok {
		mode = SkipVerification{}
	}
	return &ClientTrust{mode: mode}, nil
}

func (c *ClientTrust) Mode() Mode {
	return c.mode
}

// Insecure reports whether the policy skips verification.
func (c *ClientTrust) Insecure() bool {
	_, ok := c.mode.(SkipVerification)
	return ok
}

// TLSConfig returns a fresh client config for one connection attempt.
// onReject, if non-nil, is called with the ErrTrust error when the policy
// refuses the peer, so callers can tell trust failures from other handshake
// failures.
func (c *ClientTrust) TLSConfig(serverName string, keyLog io.Writer, onReject func(error)) *tls.Config {
	conf := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ServerName:   serverName,
		NextProtos:   []string{ALPN},
		KeyLogWriter: keyLog,
		// Verification happens in VerifyConnection for Verify mode.
		InsecureSkipVerify: true,
	}

	v, ok := c.mode.(Verify)
	if !ok {
		return conf
	}

	conf.VerifyConnection = func(cs tls.ConnectionState) error {
		err := v.Check(cs.PeerCertificates, serverName)
		if err != nil && onReject != nil {
			onReject(err)
		}
		return err
	}
	return conf
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch k := key.(type) {
		case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
			return k.(crypto.Signer), nil
		default:
			return nil, fmt.Errorf("%w: unsupported private key type %T", ErrConfig, key)
		}
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: unable to parse private key", ErrConfig)
}
