package trust

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

// LoadServerTrust reads a certificate chain and private key from files in
// PEM or DER encoding.
func LoadServerTrust(certPath, keyPath string) (*ServerTrust, error) {
	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read certificate: %w", ErrConfig, err)
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read private key: %w", ErrConfig, err)
	}

	chain, err := decodeCerts(certData)
	if err != nil {
		return nil, err
	}
	return BuildServerTrust(chain, keyData)
}

// LoadRoots builds a root pool from PEM or DER certificate files.
func LoadRoots(paths ...string) (*x509.CertPool, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no root certificate files", ErrConfig)
	}

	pool := x509.NewCertPool()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: read root %s: %w", ErrConfig, p, err)
		}
		ders, err := decodeCerts(data)
		if err != nil {
			return nil, fmt.Errorf("root %s: %w", p, err)
		}
		for _, der := range ders {
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("%w: parse root %s: %w", ErrConfig, p, err)
			}
			pool.AddCert(cert)
		}
	}
	return pool, nil
}

func isPEM(data []byte) bool {
	return bytes.Contains(data, []byte("-----BEGIN "))
}

// decodeCerts returns the DER blocks of every certificate in data.
func decodeCerts(data []byte) ([][]byte, error) {
	if !isPEM(data) {
		certs, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("%w: parse DER certificates: %w", ErrConfig, err)
		}
		ders := make([][]byte, 0, len(certs))
		for _, c := range certs {
			ders = append(ders, c.Raw)
		}
		if len(ders) == 0 {
			return nil, fmt.Errorf("%w: empty certificate chain", ErrConfig)
		}
		return ders, nil
	}

	var ders [][]byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			ders = append(ders, block.Bytes)
		}
	}
	if len(ders) == 0 {
		return nil, fmt.Errorf("%w: no CERTIFICATE block found", ErrConfig)
	}
	return ders, nil
}

func decodeKey(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty private key", ErrConfig)
	}
	if !isPEM(data) {
		return data, nil
	}

	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%w: no PRIVATE KEY block found", ErrConfig)
		}
		if strings.HasSuffix(block.Type, "PRIVATE KEY") {
			return block.Bytes, nil
		}
	}
}
