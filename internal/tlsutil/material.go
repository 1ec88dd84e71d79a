// Package tlsutil resolves the certificate material for the TLS listener:
// operator-provided PEM files, a previously generated self-signed pair, or
// a fresh self-signed pair persisted for reuse across restarts. It also
// watches provided certificates for rotation.
package tlsutil

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

	"github.com/keyfront/keyfront/internal/config"
)

// Source records where the served certificate came from.
type Source string

const (
	SourceProvided            Source = "provided"
	SourceExistingSelfSigned  Source = "existing_self_signed"
	SourceGeneratedSelfSigned Source = "generated_self_signed"
)

// Material points at the PEM files the listener serves.
type Material struct {
	CertPath string
	KeyPath  string
	Source   Source
}

// selfSignedValidity bounds generated certificates. Operators are expected
// to move to provided certificates well within it.
const selfSignedValidity = 365 * 24 * time.Hour

// Resolve decides which certificate files the listener uses. Provided
// cert_path/key_path win. Otherwise the self-signed pair is loaded when
// both files exist, rejected when exactly one does, and generated and
// persisted when neither does. listenAddr contributes its IP to a
// generated certificate's subject alternative names.
func Resolve(t *config.InboundTLSConfig, listenAddr string) (Material, error) {
	if t.CertPath != "" && t.KeyPath != "" {
		return Material{CertPath: t.CertPath, KeyPath: t.KeyPath, Source: SourceProvided}, nil
	}

	certPath := t.SelfSignedCertPath
	keyPath := t.SelfSignedKeyPath
	certExists := fileExists(certPath)
	keyExists := fileExists(keyPath)

	switch {
	case certExists && keyExists:
		return Material{CertPath: certPath, KeyPath: keyPath, Source: SourceExistingSelfSigned}, nil
	case certExists != keyExists:
		return Material{}, fmt.Errorf("inbound_tls: self-signed certificate and key must both exist or both be absent")
	}

	if err := generateSelfSigned(certPath, keyPath, listenAddr); err != nil {
		return Material{}, err
	}
	return Material{CertPath: certPath, KeyPath: keyPath, Source: SourceGeneratedSelfSigned}, nil
}

// generateSelfSigned creates an ECDSA P-256 pair valid for one year and
// persists it as PEM. The key file is written mode 0600; parent
// directories are created as needed.
func generateSelfSigned(certPath, keyPath, listenAddr string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate self-signed key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate certificate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "keyfront self-signed"},
		// Backdated an hour to tolerate clock skew between the gateway
		// and its clients.
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           subjectIPs(listenAddr),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("generate self-signed certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("encode self-signed key: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", der, 0o644); err != nil {
		return err
	}
	return writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0o600)
}

// subjectIPs always includes the loopback addresses; a specific listen IP
// is appended so clients dialing it by address verify cleanly. Wildcard
// and loopback listen addresses add nothing.
func subjectIPs(listenAddr string) []net.IP {
	ips := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return ips
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.IsUnspecified() || ip.IsLoopback() {
		return ips
	}
	return append(ips, ip)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
