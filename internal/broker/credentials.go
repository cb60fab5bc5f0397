// Package broker manages the MQTT session: credential resolution
// (plain, username/password, or mutual TLS), the autopaho connection
// manager, bounded publish calls, and command-topic subscription. The
// MQTT protocol itself (handshake, keepalive, retransmission) is
// entirely paho's; this package only configures and calls it.
package broker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/howardginsburg/mqttagent/internal/config"
)

// Credentials is the resolved connection credential variant. It is
// built once at startup from the auth config and passed by value; the
// rest of the program never re-reads certificate files or re-derives
// the TLS state.
type Credentials struct {
	Kind     config.AuthMode
	Username string
	Password string

	// TLS is non-nil when the connection must use TLS. For certificate
	// mode it carries the client certificate pair; for password mode
	// with a CA file it carries the CA pool only.
	TLS *tls.Config
}

// Resolve builds Credentials from the auth config, loading and
// validating certificate material up front so a bad file fails at
// startup instead of mid-handshake.
func Resolve(auth config.AuthConfig) (Credentials, error) {
	switch auth.Mode {
	case config.AuthNone, "":
		return Credentials{Kind: config.AuthNone}, nil

	case config.AuthPassword:
		creds := Credentials{
			Kind:     config.AuthPassword,
			Username: auth.Username,
			Password: auth.Password,
		}
		if auth.CAFile != "" {
			pool, err := loadCAPool(auth.CAFile)
			if err != nil {
				return Credentials{}, err
			}
			creds.TLS = &tls.Config{
				RootCAs:    pool,
				MinVersion: tls.VersionTLS12,
			}
		}
		return creds, nil

	case config.AuthCertificate:
		pool, err := loadCAPool(auth.CAFile)
		if err != nil {
			return Credentials{}, err
		}
		cert, err := tls.LoadX509KeyPair(auth.CertFile, auth.KeyFile)
		if err != nil {
			return Credentials{}, fmt.Errorf("load client certificate: %w", err)
		}
		return Credentials{
			Kind:     config.AuthCertificate,
			Username: auth.Username,
			TLS: &tls.Config{
				RootCAs:      pool,
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			},
		}, nil

	default:
		return Credentials{}, fmt.Errorf("unknown auth mode %q", auth.Mode)
	}
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return pool, nil
}
