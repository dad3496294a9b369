package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// ErrChannelKeyMismatch is returned when a TLS peer presents a key other
// than the one pinned for the channel.
var ErrChannelKeyMismatch = errors.New("channel key mismatch")

// RandomCert generates a self-signed certificate with a fresh P-256 key.
// Replicas serve TLS with it; clients trust the key through the attestation
// quote, not through a chain of trust.
func RandomCert(cn string) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	certASN1, err := x509.CreateCertificate(rand.Reader, template, template,
		privateKey.Public(), privateKey)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certASN1})

	privkeyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.X509KeyPair(certPEM, pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privkeyBytes,
	}))
}

// DERPubkeyHash hashes a DER-encoded SubjectPublicKeyInfo in its PEM form.
func DERPubkeyHash(pubkeyDER []byte) []byte {
	shaHash := sha256.Sum256(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubkeyDER}))
	return shaHash[:]
}

// ChannelKey is the channel binding a replica serving cert puts into its
// quotes: the hash of the certificate's public key.
func ChannelKey(cert tls.Certificate) ([]byte, error) {
	if len(cert.Certificate) == 0 {
		return nil, errors.New("certificate chain is empty")
	}
	leaf := cert.Leaf
	if leaf == nil {
		var err error
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("could not parse certificate: %w", err)
		}
	}
	return DERPubkeyHash(leaf.RawSubjectPublicKeyInfo), nil
}

// KeyPin records the key of the first TLS peer it sees and rejects any later
// peer with a different key. It is safe for concurrent use.
type KeyPin struct {
	mu     sync.Mutex
	pinned []byte
}

// Key returns the pinned key hash, nil before the first handshake.
func (p *KeyPin) Key() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.pinned...)
}

// VerifyPeerCertificate is a tls.Config.VerifyPeerCertificate callback.
func (p *KeyPin) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return errors.New("peer presented no certificate")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("could not parse peer certificate: %w", err)
	}
	key := DERPubkeyHash(cert.RawSubjectPublicKeyInfo)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pinned == nil {
		p.pinned = key
		return nil
	}
	if subtle.ConstantTimeCompare(p.pinned, key) != 1 {
		return fmt.Errorf("%w: peer key %x, pinned %x", ErrChannelKeyMismatch, key, p.pinned)
	}
	return nil
}
