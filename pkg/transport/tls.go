package transport

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/mcpwire/mcpwire/pkg/errors"
)

// TLSMode selects how a connection is secured. Exactly one mode is active
// per connection.
type TLSMode string

const (
	// TLSModeNone runs in cleartext. Stream transports stay plain pipes
	// and HTTP transports speak h2c.
	TLSModeNone TLSMode = "none"

	// TLSModeSystem verifies the peer against the system trust store.
	TLSModeSystem TLSMode = "system-trust"

	// TLSModeCustomRoot verifies the peer against a caller-provided root,
	// from a PEM file or inline bytes.
	TLSModeCustomRoot TLSMode = "custom-root"

	// TLSModeMutual presents a client certificate in addition to
	// verifying the peer. The root defaults to the system store unless a
	// custom root is also supplied.
	TLSModeMutual TLSMode = "mutual"
)

// TLSConfig declares the security layer for one transport. The zero value
// validates as TLSModeNone.
type TLSConfig struct {
	// Mode selects the trust model. Empty means TLSModeNone.
	Mode TLSMode `json:"mode"`

	// CAFile points to a PEM bundle for TLSModeCustomRoot and optionally
	// for TLSModeMutual. Mutually exclusive with CAPEM.
	CAFile string `json:"ca_file,omitempty"`

	// CAPEM carries the root bundle inline. Mutually exclusive with
	// CAFile.
	CAPEM []byte `json:"ca_pem,omitempty"`

	// CertFile and KeyFile are the local certificate pair: the client
	// certificate for TLSModeMutual on the dialing side, the serving
	// certificate on the accepting side.
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`

	// ServerName overrides SNI and certificate verification independent
	// of the dialed host. Applies to any TLS mode.
	ServerName string `json:"server_name,omitempty"`
}

// Enabled reports whether the connection carries TLS at all.
func (c *TLSConfig) Enabled() bool {
	return c.Mode != "" && c.Mode != TLSModeNone
}

// Validate checks mode consistency. Invalid combinations fail here rather
// than at dial time.
func (c *TLSConfig) Validate() error {
	switch c.Mode {
	case "", TLSModeNone:
		if c.CAFile != "" || len(c.CAPEM) > 0 {
			return errors.InvalidTransportConfiguration("tls", "ca", "root material requires a TLS mode")
		}
		return nil
	case TLSModeSystem:
		if c.CAFile != "" || len(c.CAPEM) > 0 {
			return errors.InvalidTransportConfiguration("tls", "ca", "system trust does not take a custom root")
		}
		return nil
	case TLSModeCustomRoot:
		if c.CAFile == "" && len(c.CAPEM) == 0 {
			return errors.InvalidTransportConfiguration("tls", "ca", "custom-root requires ca_file or ca_pem")
		}
		if c.CAFile != "" && len(c.CAPEM) > 0 {
			return errors.InvalidTransportConfiguration("tls", "ca", "ca_file and ca_pem are mutually exclusive")
		}
		return nil
	case TLSModeMutual:
		if c.CertFile == "" || c.KeyFile == "" {
			return errors.InvalidTransportConfiguration("tls", "certificate", "mutual mode requires cert_file and key_file")
		}
		if c.CAFile != "" && len(c.CAPEM) > 0 {
			return errors.InvalidTransportConfiguration("tls", "ca", "ca_file and ca_pem are mutually exclusive")
		}
		return nil
	default:
		return errors.InvalidTransportConfiguration("tls", "mode", "unknown mode "+string(c.Mode))
	}
}

// ClientConfig resolves the declaration into a *tls.Config for dialing.
// Returns nil when TLS is off.
func (c *TLSConfig) ClientConfig() (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: c.ServerName,
	}

	pool, err := c.rootPool()
	if err != nil {
		return nil, err
	}
	cfg.RootCAs = pool

	if c.Mode == TLSModeMutual {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.InvalidTransportConfiguration("tls", "certificate", err.Error())
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// ServerConfig resolves the declaration into a *tls.Config for accepting
// connections. The certificate pair is required; in mutual mode peers must
// present a certificate signed by the configured root.
func (c *TLSConfig) ServerConfig() (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, errors.InvalidTransportConfiguration("tls", "certificate", "serving requires cert_file and key_file")
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.InvalidTransportConfiguration("tls", "certificate", err.Error())
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}

	if c.Mode == TLSModeMutual {
		pool, err := c.rootPool()
		if err != nil {
			return nil, err
		}
		if pool == nil {
			pool, err = x509.SystemCertPool()
			if err != nil {
				return nil, errors.InvalidTransportConfiguration("tls", "ca", err.Error())
			}
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

// rootPool loads the configured root bundle, or returns nil to use the
// system store.
func (c *TLSConfig) rootPool() (*x509.CertPool, error) {
	pem := c.CAPEM
	if c.CAFile != "" {
		data, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, errors.InvalidTransportConfiguration("tls", "ca_file", err.Error())
		}
		pem = data
	}
	if len(pem) == 0 {
		return nil, nil
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.InvalidTransportConfiguration("tls", "ca", "no certificates found in root bundle")
	}
	return pool, nil
}
