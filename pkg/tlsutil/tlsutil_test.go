package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
	"github.com/dasjn/labbridge-fhir-hl7-app/testutil"
)

func TestLoadServer(t *testing.T) {
	files := testutil.WriteTLSFiles(t)

	t.Run("disabled", func(t *testing.T) {
		cfg, err := LoadServer(ServerConfig{CertFile: "ignored"})
		require.NoError(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("server only", func(t *testing.T) {
		cfg, err := LoadServer(ServerConfig{Enabled: true, CertFile: files.ServerCert, KeyFile: files.ServerKey, MinVersion: "1.3"})
		require.NoError(t, err)
		require.Len(t, cfg.Certificates, 1)
		assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
		assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)
	})

	t.Run("optional client cert", func(t *testing.T) {
		cfg, err := LoadServer(ServerConfig{Enabled: true, CertFile: files.ServerCert, KeyFile: files.ServerKey,
			ClientCAFiles: []string{files.CA}})
		require.NoError(t, err)
		assert.Equal(t, tls.VerifyClientCertIfGiven, cfg.ClientAuth)
		assert.NotNil(t, cfg.ClientCAs)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := LoadServer(ServerConfig{Enabled: true, CertFile: files.ServerCert, KeyFile: "/nonexistent"})
		require.Error(t, err)
		assert.True(t, errors.IsFatal(err))
	})

	t.Run("bad CA file", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.pem")
		require.NoError(t, os.WriteFile(bad, []byte("not pem"), 0600))
		_, err := LoadServer(ServerConfig{Enabled: true, CertFile: files.ServerCert, KeyFile: files.ServerKey,
			ClientCAFiles: []string{bad}})
		assert.Error(t, err)
	})
}

func TestLoadClient(t *testing.T) {
	files := testutil.WriteTLSFiles(t)

	cfg, err := LoadClient(ClientConfig{})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs, "system pool is always present")
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Empty(t, cfg.Certificates)

	cfg, err = LoadClient(ClientConfig{CAFiles: []string{files.CA}, CertFile: files.ClientCert, KeyFile: files.ClientKey, ServerName: "fhir.local"})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, "fhir.local", cfg.ServerName)

	_, err = LoadClient(ClientConfig{CAFiles: []string{"/nonexistent/ca.pem"}})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, ServerConfig{}.Validate())
	assert.Error(t, ServerConfig{Enabled: true}.Validate())
	assert.Error(t, ServerConfig{Enabled: true, CertFile: "c", KeyFile: "k", MinVersion: "1.1"}.Validate())
	assert.Error(t, ServerConfig{Enabled: true, CertFile: "c", KeyFile: "k", RequireClientCert: true}.Validate())
	assert.NoError(t, ServerConfig{Enabled: true, CertFile: "c", KeyFile: "k", MinVersion: "1.3"}.Validate())

	assert.NoError(t, ClientConfig{}.Validate())
	assert.Error(t, ClientConfig{CertFile: "c"}.Validate())
	assert.True(t, ClientConfig{}.IsZero())
	assert.False(t, ClientConfig{ServerName: "x"}.IsZero())
}

func TestVerifyAllowedClientCN(t *testing.T) {
	chain := [][]*x509.Certificate{{{Subject: pkix.Name{CommonName: "analyzer-01"}}}}

	assert.NoError(t, verifyAllowedClientCN(chain, []string{"analyzer-01", "analyzer-02"}))
	assert.ErrorContains(t, verifyAllowedClientCN(chain, []string{"analyzer-02"}), "not in allowed list")
	assert.Error(t, verifyAllowedClientCN(nil, []string{"analyzer-01"}))
}

// handshake runs one TLS exchange and returns the client-side error, if any.
func handshake(t *testing.T, server ServerConfig, client ClientConfig) error {
	t.Helper()

	serverTLS, err := LoadServer(server)
	require.NoError(t, err)
	clientTLS, err := LoadClient(client)
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 2 * time.Second}, "tcp", ln.Addr().String(), clientTLS)
	if err != nil {
		return err
	}
	defer conn.Close()

	// TLS 1.3 reports client certificate rejection on first read.
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("ping")); err != nil {
		return err
	}
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	return err
}

func TestHandshake_MutualTLS(t *testing.T) {
	files := testutil.WriteTLSFiles(t)
	server := ServerConfig{
		Enabled:           true,
		CertFile:          files.ServerCert,
		KeyFile:           files.ServerKey,
		ClientCAFiles:     []string{files.CA},
		RequireClientCert: true,
		AllowedClientCNs:  []string{testutil.ClientCN},
	}

	t.Run("trusted client", func(t *testing.T) {
		err := handshake(t, server, ClientConfig{CAFiles: []string{files.CA}, CertFile: files.ClientCert, KeyFile: files.ClientKey})
		assert.NoError(t, err)
	})

	t.Run("no client certificate", func(t *testing.T) {
		err := handshake(t, server, ClientConfig{CAFiles: []string{files.CA}})
		assert.Error(t, err)
	})

	t.Run("CN not allowed", func(t *testing.T) {
		restricted := server
		restricted.AllowedClientCNs = []string{"someone-else"}
		err := handshake(t, restricted, ClientConfig{CAFiles: []string{files.CA}, CertFile: files.ClientCert, KeyFile: files.ClientKey})
		assert.Error(t, err)
	})

	t.Run("untrusted server", func(t *testing.T) {
		err := handshake(t, ServerConfig{Enabled: true, CertFile: files.ServerCert, KeyFile: files.ServerKey}, ClientConfig{})
		assert.Error(t, err)
	})
}
