// Package certgen provisions the mTLS material for a purple network: a
// self-signed network CA plus one leaf certificate per node, all ECDSA
// P-256.
package certgen

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
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

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 5 * 365 * 24 * time.Hour
	// clockSkewGrace backdates NotBefore so a freshly issued cert is
	// valid on peers whose clocks lag slightly.
	clockSkewGrace = time.Hour
)

// Options adds Subject Alternative Names to the node certificate beyond
// the localhost defaults.
type Options struct {
	ExtraIPs []net.IP
	ExtraDNS []string
}

// GenerateAll writes a CA and a CA-signed node certificate into dir:
// ca.crt, ca.key, <nodeID>.crt, <nodeID>.key. Key files are 0600.
// A nil opts issues a localhost-only node certificate.
func GenerateAll(dir, nodeID string, opts *Options) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	now := time.Now()
	caTemplate := &x509.Certificate{
		Subject:               pkix.Name{CommonName: "purple network CA"},
		NotBefore:             now.Add(-clockSkewGrace),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	caKey, caDER, err := issue(caTemplate, nil, nil)
	if err != nil {
		return fmt.Errorf("issue CA: %w", err)
	}
	if err := writeKeyPair(dir, "ca", caDER, caKey); err != nil {
		return err
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return fmt.Errorf("parse CA cert: %w", err)
	}

	ips := []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	dns := []string{"localhost", nodeID}
	if opts != nil {
		ips = append(ips, opts.ExtraIPs...)
		dns = append(dns, opts.ExtraDNS...)
	}
	leafTemplate := &x509.Certificate{
		Subject:     pkix.Name{CommonName: nodeID},
		NotBefore:   now.Add(-clockSkewGrace),
		NotAfter:    now.Add(leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IPAddresses: ips,
		DNSNames:    dns,
	}
	leafKey, leafDER, err := issue(leafTemplate, caCert, caKey)
	if err != nil {
		return fmt.Errorf("issue node cert: %w", err)
	}
	return writeKeyPair(dir, nodeID, leafDER, leafKey)
}

// issue generates a fresh P-256 key and a certificate for it. A nil
// parent self-signs (the CA case); otherwise the certificate is signed
// by parentKey under parent.
func issue(template, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*ecdsa.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}
	template.SerialNumber = serial

	signer, signingCert := key, template
	if parent != nil {
		signer, signingCert = parentKey, parent
	}
	der, err := x509.CreateCertificate(rand.Reader, template, signingCert, &key.PublicKey, signer)
	if err != nil {
		return nil, nil, err
	}
	return key, der, nil
}

// writeKeyPair writes <name>.crt and <name>.key into dir as PEM.
func writeKeyPair(dir, name string, certDER []byte, key *ecdsa.PrivateKey) error {
	if err := writePEM(filepath.Join(dir, name+".crt"), "CERTIFICATE", certDER); err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal %s key: %w", name, err)
	}
	return writePEM(filepath.Join(dir, name+".key"), "EC PRIVATE KEY", keyDER)
}

func writePEM(path, typ string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: typ, Bytes: der})
}
