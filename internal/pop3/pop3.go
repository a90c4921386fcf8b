// Package pop3 performs the POP3 login used for POP-before-SMTP relay
// authorization. It authenticates with USER/PASS and disconnects; no
// mailbox commands are issued.
package pop3

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/knadh/go-pop3"
)

// DefaultPort is the plain POP3 port used when Host carries none.
const DefaultPort = "110"

// DefaultTLSPort is used when Host carries no port and TLS is set.
const DefaultTLSPort = "995"

// defaultTimeout bounds the whole exchange when Config.Timeout is zero.
const defaultTimeout = 30 * time.Second

// ErrRejected is returned when the server answers -ERR.
var ErrRejected = errors.New("pop3: server rejected command")

// Config describes a POP3 account.
type Config struct {
	// Host is host or host:port.
	Host     string
	Username string
	Password string

	// TLS enables implicit TLS (POP3S) when non-nil.
	TLS *tls.Config

	Timeout time.Duration
}

// Address returns host:port, applying the default port.
func (c Config) Address() string {
	if _, _, err := net.SplitHostPort(c.Host); err == nil {
		return c.Host
	}
	port := DefaultPort
	if c.TLS != nil {
		port = DefaultTLSPort
	}
	return net.JoinHostPort(c.Host, port)
}

// Login connects, authenticates and quits.
func Login(ctx context.Context, cfg Config) error {
	if cfg.Host == "" {
		return fmt.Errorf("pop3: host is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	addr := cfg.Address()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid POP3 address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid POP3 port %q: %w", portStr, err)
	}

	// Implicit TLS is done by the dialer with cfg.TLS, not by go-pop3.
	d := &dialer{ctx: ctx, tls: cfg.TLS, host: host, timeout: timeout}
	client := pop3.New(pop3.Opt{
		Host:        host,
		Port:        port,
		DialTimeout: timeout,
		Dialer:      d,
	})

	conn, err := client.NewConn()
	if d.err != nil {
		return d.err
	}
	if err != nil {
		return fmt.Errorf("POP3 greeting from %s: %w", addr, classify(err))
	}

	if err := conn.User(cfg.Username); err != nil {
		conn.Quit()
		return fmt.Errorf("POP3 USER: %w", classify(err))
	}
	if err := conn.Pass(cfg.Password); err != nil {
		conn.Quit()
		return fmt.Errorf("POP3 PASS: %w", classify(err))
	}
	if err := conn.Quit(); err != nil {
		// The login already succeeded, so the relay has recorded it.
		slog.Debug("POP3 QUIT failed", "host", addr, "error", err)
	}

	slog.Debug("POP3 login succeeded", "host", addr, "user", cfg.Username)
	return nil
}

// dialer implements pop3.Dialer with context cancellation, an absolute
// deadline on the connection and optional implicit TLS.
type dialer struct {
	ctx     context.Context
	tls     *tls.Config
	host    string
	timeout time.Duration

	// err records a failure to establish the connection.
	err error
}

// Dial connects and records any failure for later classification.
func (d *dialer) Dial(network, address string) (net.Conn, error) {
	conn, err := d.dial(network, address)
	d.err = err
	return conn, err
}

func (d *dialer) dial(network, address string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.timeout}
	conn, err := nd.DialContext(d.ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to POP3 server %s: %w", address, err)
	}

	deadline := time.Now().Add(d.timeout)
	if dl, ok := d.ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set POP3 deadline: %w", err)
	}

	if d.tls == nil {
		return conn, nil
	}

	tlsCfg := d.tls.Clone()
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = d.host
	}
	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(d.ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("POP3 TLS handshake failed: %w", err)
	}
	return tlsConn, nil
}

// classify marks server-side refusals with ErrRejected. Transport errors
// pass through unchanged.
func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrRejected, err)
}
