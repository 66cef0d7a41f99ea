// Package tlsutil builds crypto/tls configurations from file-based settings
// for the MLLP listener and the FHIR client.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"slices"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
)

// ServerConfig holds TLS settings for a listening socket. Setting
// ClientCAFiles enables mutual TLS.
type ServerConfig struct {
	Enabled    bool   `json:"enabled"     yaml:"enabled"`
	CertFile   string `json:"cert_file"   yaml:"cert_file"`
	KeyFile    string `json:"key_file"    yaml:"key_file"`
	MinVersion string `json:"min_version" yaml:"min_version"` // "1.2" or "1.3"

	ClientCAFiles     []string `json:"client_ca_files"     yaml:"client_ca_files"`
	RequireClientCert bool     `json:"require_client_cert" yaml:"require_client_cert"`
	AllowedClientCNs  []string `json:"allowed_client_cns"  yaml:"allowed_client_cns"`
}

// ClientConfig holds TLS settings for outbound connections. The system CA
// bundle is always trusted; CAFiles are additional roots.
type ClientConfig struct {
	CAFiles            []string `json:"ca_files"             yaml:"ca_files"`
	CertFile           string   `json:"cert_file"            yaml:"cert_file"`
	KeyFile            string   `json:"key_file"             yaml:"key_file"`
	ServerName         string   `json:"server_name"          yaml:"server_name"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify" yaml:"insecure_skip_verify"` // DEV/TEST ONLY
	MinVersion         string   `json:"min_version"          yaml:"min_version"`
}

// IsZero reports whether c leaves Go's default client TLS untouched.
func (c ClientConfig) IsZero() bool {
	return len(c.CAFiles) == 0 && c.CertFile == "" && c.KeyFile == "" &&
		c.ServerName == "" && !c.InsecureSkipVerify && c.MinVersion == ""
}

// Validate checks that paired settings are complete.
func (c ServerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: cert_file and key_file are required", errors.ErrInvalidConfig),
			"tlsutil", "Validate", "check server certificate")
	}
	if err := validVersion(c.MinVersion); err != nil {
		return err
	}
	if c.RequireClientCert && len(c.ClientCAFiles) == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: require_client_cert needs client_ca_files", errors.ErrInvalidConfig),
			"tlsutil", "Validate", "check client CAs")
	}
	return nil
}

// Validate checks that paired settings are complete.
func (c ClientConfig) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.WrapInvalid(fmt.Errorf("%w: cert_file and key_file must be set together", errors.ErrInvalidConfig),
			"tlsutil", "Validate", "check client certificate")
	}
	return validVersion(c.MinVersion)
}

// LoadServer returns nil when TLS is disabled.
func LoadServer(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServer", "load certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}

	if len(cfg.ClientCAFiles) == 0 {
		return tlsConfig, nil
	}

	clientCAs, err := loadPool(x509.NewCertPool(), cfg.ClientCAFiles, "LoadServer")
	if err != nil {
		return nil, err
	}
	tlsConfig.ClientCAs = clientCAs
	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(cfg.AllowedClientCNs) > 0 {
		allowed := slices.Clone(cfg.AllowedClientCNs)
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
			return verifyAllowedClientCN(verifiedChains, allowed)
		}
	}

	return tlsConfig, nil
}

// LoadClient builds an outbound TLS configuration.
func LoadClient(cfg ClientConfig) (*tls.Config, error) {
	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		// If system pool unavailable, create empty pool
		rootCAs = x509.NewCertPool()
	}
	rootCAs, err = loadPool(rootCAs, cfg.CAFiles, "LoadClient")
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		RootCAs:    rootCAs,
		ServerName: cfg.ServerName,
		MinVersion: parseTLSVersion(cfg.MinVersion),
		// Set only when explicitly configured
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec
	}

	if cfg.CertFile != "" {
		clientCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClient", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	}

	return tlsConfig, nil
}

func loadPool(pool *x509.CertPool, files []string, method string) (*x509.CertPool, error) {
	for _, caFile := range files {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", method, fmt.Sprintf("read CA file %s", caFile))
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapFatal(fmt.Errorf("invalid PEM data"), "tlsutil", method,
				fmt.Sprintf("parse CA certificate from %s", caFile))
		}
	}
	return pool, nil
}

// verifyAllowedClientCN checks if client certificate CN is in whitelist
func verifyAllowedClientCN(chains [][]*x509.Certificate, allowedCNs []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}

	cn := chains[0][0].Subject.CommonName
	if slices.Contains(allowedCNs, cn) {
		return nil
	}
	return fmt.Errorf("client certificate CN '%s' not in allowed list", cn)
}

func validVersion(v string) error {
	switch v {
	case "", "1.2", "1.3":
		return nil
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: min_version %q", errors.ErrInvalidConfig, v),
			"tlsutil", "Validate", "check TLS version")
	}
}

// parseTLSVersion converts version string to crypto/tls constant
// Returns tls.VersionTLS12 if empty or invalid
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
