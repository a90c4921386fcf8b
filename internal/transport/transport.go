// Package transport defines the contract between the message builder and
// the mail library that creates sessions and assembles native messages.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"strings"
	"time"

	"github.com/shineum/mailbuilder/internal/email"
)

// DefaultHost is used when a session is requested before any host is set.
const DefaultHost = "localhost"

// Default SMTP ports.
const (
	DefaultPort    = 25
	DefaultSSLPort = 465
)

// SessionConfig carries the connection settings a session is created from.
type SessionConfig struct {
	Host             string
	Port             int
	SSLPort          int
	SSLOnConnect     bool
	StartTLSEnabled  bool
	StartTLSRequired bool
	Username         string
	Password         string

	// ConnectTimeout bounds the dial; zero leaves the library default.
	ConnectTimeout time.Duration
	// Timeout bounds socket reads and writes; zero leaves the library default.
	Timeout time.Duration

	// TLSConfig is used for SSL-on-connect and STARTTLS. Nil means the
	// library default for Host.
	TLSConfig *tls.Config
}

// WithDefaults returns a copy with the host and ports filled in.
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.SSLPort == 0 {
		c.SSLPort = DefaultSSLPort
	}
	return c
}

// EffectivePort is the port a connection will use.
func (c SessionConfig) EffectivePort() int {
	if c.SSLOnConnect {
		return c.SSLPort
	}
	return c.Port
}

// Session is a transport context that can be reused across sends.
type Session interface {
	// Host returns the host name the session connects to.
	Host() string

	// Config returns the settings the session was created from.
	Config() SessionConfig

	// Send delivers a message assembled by the same Library.
	Send(ctx context.Context, msg *email.Message) error
}

// Draft is everything the builder accumulated, handed over for assembly.
type Draft struct {
	From          email.Address
	To            []email.Address
	Cc            []email.Address
	Bcc           []email.Address
	ReplyTo       []email.Address
	Subject       string
	Charset       string
	BounceAddress string
	Headers       []email.Header
	SentDate      time.Time
	Content       email.Content
}

// Library is the mail library collaborator.
type Library interface {
	// Name identifies the library in logs.
	Name() string

	// CreateSession returns a session for the given settings. It does not
	// open a connection.
	CreateSession(cfg SessionConfig) (Session, error)

	// ValidateAddress parses a single address. Failures wrap
	// email.ErrInvalidAddress.
	ValidateAddress(address string) (email.Address, error)

	// AssembleMessage composes a native message from the draft.
	AssembleMessage(s Session, d Draft) (*email.Message, error)
}

// Snapshot builds the immutable message handed back to the builder.
func (d Draft) Snapshot(messageID string, native io.WriterTo) *email.Message {
	return &email.Message{
		MessageID:     strings.Trim(messageID, "<>"),
		From:          d.From,
		To:            append([]email.Address(nil), d.To...),
		Cc:            append([]email.Address(nil), d.Cc...),
		Bcc:           append([]email.Address(nil), d.Bcc...),
		ReplyTo:       append([]email.Address(nil), d.ReplyTo...),
		Subject:       d.Subject,
		Headers:       append([]email.Header(nil), d.Headers...),
		SentDate:      d.SentDate,
		Content:       email.CloneContent(d.Content),
		BounceAddress: d.BounceAddress,
		Native:        native,
	}
}

// AddressStrings renders each address in RFC 5322 form.
func AddressStrings(list []email.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.String())
	}
	return out
}
