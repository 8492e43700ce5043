package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"okufs/internal/ids"
)

// certValidity is the lifetime of a node certificate. A fresh one is minted
// at every start, so it only needs to outlive the process.
const certValidity = 10 * 365 * 24 * time.Hour

// nodeCertificate mints a self-signed certificate for the node key. Its
// common name is the full node id; peers trust the key, not the name.
func nodeCertificate(key ed25519.PrivateKey) (tls.Certificate, error) {
	pub := key.Public().(ed25519.PublicKey)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial:\n%w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: ids.NodeIDFromKey(pub).String()},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate:\n%w", err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// verifyNodeCertificate checks that the peer presented a single self-signed
// ed25519 certificate. It replaces chain verification in the TLS config.
func verifyNodeCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) != 1 {
		return fmt.Errorf("expected one peer certificate, got %d", len(rawCerts))
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse peer certificate:\n%w", err)
	}

	if _, ok := cert.PublicKey.(ed25519.PublicKey); !ok {
		return errors.New("peer certificate does not carry an ed25519 key")
	}

	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return fmt.Errorf("peer certificate is not self-signed:\n%w", err)
	}

	return nil
}

// peerNodeID derives the remote node id from a completed handshake.
func peerNodeID(state tls.ConnectionState) (ids.NodeID, error) {
	if len(state.PeerCertificates) == 0 {
		return ids.NodeID{}, errors.New("no peer certificate")
	}

	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return ids.NodeID{}, errors.New("peer certificate does not carry an ed25519 key")
	}

	return ids.NodeIDFromKey(pub), nil
}
