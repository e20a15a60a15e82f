package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/loopcore/errors"
)

// generateTestCert creates a self-signed certificate for testing
func generateTestCert(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Org"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	return certPEM, keyPEM
}

func writeTestFiles(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	dir := t.TempDir()
	certPEM, keyPEM := generateTestCert(t)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0644))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0600))
	return certFile, keyFile
}

func TestLoadClientTLSConfig(t *testing.T) {
	certFile, keyFile := writeTestFiles(t)
	badPEM := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(badPEM, []byte("not a certificate"), 0644))

	tests := []struct {
		name    string
		cfg     ClientConfig
		wantErr bool
		check   func(t *testing.T, c *tls.Config)
	}{
		{
			name: "defaults",
			cfg:  ClientConfig{},
			check: func(t *testing.T, c *tls.Config) {
				assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
				assert.NotNil(t, c.RootCAs)
				assert.False(t, c.InsecureSkipVerify)
				assert.Empty(t, c.Certificates)
			},
		},
		{
			name: "additional CA and TLS 1.3",
			cfg:  ClientConfig{CAFiles: []string{certFile}, MinVersion: "1.3"},
			check: func(t *testing.T, c *tls.Config) {
				assert.Equal(t, uint16(tls.VersionTLS13), c.MinVersion)
			},
		},
		{
			name: "insecure skip verify",
			cfg:  ClientConfig{InsecureSkipVerify: true},
			check: func(t *testing.T, c *tls.Config) {
				assert.True(t, c.InsecureSkipVerify)
			},
		},
		{
			name: "client certificate",
			cfg:  ClientConfig{CertFile: certFile, KeyFile: keyFile},
			check: func(t *testing.T, c *tls.Config) {
				assert.Len(t, c.Certificates, 1)
			},
		},
		{name: "missing CA file", cfg: ClientConfig{CAFiles: []string{"/nonexistent/ca.pem"}}, wantErr: true},
		{name: "invalid CA PEM", cfg: ClientConfig{CAFiles: []string{badPEM}}, wantErr: true},
		{name: "cert without key", cfg: ClientConfig{CertFile: certFile}, wantErr: true},
		{name: "unreadable key", cfg: ClientConfig{CertFile: certFile, KeyFile: "/nonexistent/key.pem"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := LoadClientTLSConfig(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsFatal(err))
				return
			}
			require.NoError(t, err)
			tt.check(t, c)
		})
	}
}

func TestParseTLSVersion(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS13), parseTLSVersion("1.3"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.2"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion(""))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.0"))
}

func TestClientConfig_IsZero(t *testing.T) {
	assert.True(t, ClientConfig{}.IsZero())
	assert.False(t, ClientConfig{MinVersion: "1.3"}.IsZero())
}
