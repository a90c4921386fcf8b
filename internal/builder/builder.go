// Package builder accumulates the parts of an e-mail, validates every
// mutation, and assembles transport-ready messages through a
// transport.Library.
//
// A Builder is not safe for concurrent use.
package builder

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shineum/mailbuilder/internal/email"
	"github.com/shineum/mailbuilder/internal/pop3"
	"github.com/shineum/mailbuilder/internal/transport"
)

var (
	// ErrInvalidArgument is returned for empty header names or values and
	// other rejected setter input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMessageBuild is returned when Build cannot assemble a message.
	ErrMessageBuild = errors.New("failed to build message")

	// ErrInvalidAddress is returned when an address does not parse.
	ErrInvalidAddress = email.ErrInvalidAddress
)

// popSettings are the POP-before-SMTP credentials.
type popSettings struct {
	enabled  bool
	host     string
	username string
	password string
	tls      *tls.Config
}

// Builder holds the state of a message under construction together with
// the transport settings used to create its session.
type Builder struct {
	lib transport.Library

	from          *email.Address
	to            []email.Address
	cc            []email.Address
	bcc           []email.Address
	replyTo       []email.Address
	subject       string
	headers       []email.Header
	sentDate      time.Time
	content       email.Content
	charset       string
	bounceAddress string

	hostName         string
	sslOnConnect     bool
	smtpPort         int
	sslSmtpPort      int
	startTLSEnabled  bool
	startTLSRequired bool
	username         string
	password         string
	connTimeoutMs    int
	socketTimeoutMs  int
	tlsConfig        *tls.Config

	pop popSettings

	session transport.Session
	built   *email.Message

	popLogin func(ctx context.Context, cfg pop3.Config) error
}

// New returns an empty Builder that assembles and sends through lib.
func New(lib transport.Library) *Builder {
	return &Builder{
		lib:      lib,
		popLogin: pop3.Login,
	}
}

// AddTo appends a To recipient.
func (b *Builder) AddTo(address string) error {
	a, err := b.lib.ValidateAddress(address)
	if err != nil {
		return err
	}
	b.to = append(b.to, a)
	return nil
}

// AddCc appends a Cc recipient. An address already present is ignored.
func (b *Builder) AddCc(address string) error {
	a, err := b.lib.ValidateAddress(address)
	if err != nil {
		return err
	}
	b.cc = appendUnique(b.cc, a)
	return nil
}

// AddBcc appends Bcc recipients. Every address is validated before any is
// stored, so an invalid entry leaves the set unchanged.
func (b *Builder) AddBcc(addresses ...string) error {
	parsed := make([]email.Address, 0, len(addresses))
	for _, address := range addresses {
		a, err := b.lib.ValidateAddress(address)
		if err != nil {
			return err
		}
		parsed = append(parsed, a)
	}
	for _, a := range parsed {
		b.bcc = appendUnique(b.bcc, a)
	}
	return nil
}

// AddReplyTo appends a Reply-To entry. A non-empty name replaces any
// display name carried by address.
func (b *Builder) AddReplyTo(address, name string) error {
	a, err := b.lib.ValidateAddress(address)
	if err != nil {
		return err
	}
	if name != "" {
		a.Name = name
	}
	b.replyTo = append(b.replyTo, a)
	return nil
}

// AddHeader appends a header. Names may repeat; order is kept.
func (b *Builder) AddHeader(name, value string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: header name is empty", ErrInvalidArgument)
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: value of header %q is empty", ErrInvalidArgument, name)
	}
	b.headers = append(b.headers, email.Header{Name: name, Value: value})
	return nil
}

// SetFrom sets the From address.
func (b *Builder) SetFrom(address string) error {
	a, err := b.lib.ValidateAddress(address)
	if err != nil {
		return err
	}
	b.from = &a
	return nil
}

// FromAddress returns the From address, or nil if none is set.
func (b *Builder) FromAddress() *email.Address {
	if b.from == nil {
		return nil
	}
	a := *b.from
	return &a
}

// SetBounceAddress sets the envelope sender used for delivery reports.
// An empty address clears it.
func (b *Builder) SetBounceAddress(address string) error {
	if address == "" {
		b.bounceAddress = ""
		return nil
	}
	a, err := b.lib.ValidateAddress(address)
	if err != nil {
		return err
	}
	b.bounceAddress = a.Address
	return nil
}

// SetSubject sets the Subject header.
func (b *Builder) SetSubject(subject string) { b.subject = subject }

// Subject returns the subject.
func (b *Builder) Subject() string { return b.subject }

// SetCharset sets the charset declared on text bodies. Empty means utf-8.
func (b *Builder) SetCharset(charset string) { b.charset = charset }

// SetSentDate sets the Date header. A zero time means the build time.
func (b *Builder) SetSentDate(t time.Time) { b.sentDate = t }

// SentDate returns the configured date, zero if none was set.
func (b *Builder) SentDate() time.Time { return b.sentDate }

// SetMultipart replaces the content with a multipart body. Nil clears it.
func (b *Builder) SetMultipart(mp *email.Multipart) {
	if mp == nil {
		b.content = nil
		return
	}
	b.content = mp
}

// SetContent replaces the content with payload tagged as contentType.
// An io.Reader payload is read in full here; a read error leaves the
// content unchanged. Whether the payload can be encoded is decided at
// build time.
func (b *Builder) SetContent(payload any, contentType string) error {
	tc, err := email.TypedContent{Payload: payload, ContentType: contentType}.Buffered()
	if err != nil {
		return err
	}
	b.content = tc
	return nil
}

// SetMsg sets a plain-text body.
func (b *Builder) SetMsg(text string) {
	b.content = email.TypedContent{Payload: text, ContentType: "text/plain"}
}

// Content returns the current body, or nil.
func (b *Builder) Content() email.Content { return b.content }

// To returns the To recipients.
func (b *Builder) To() []email.Address { return clone(b.to) }

// Cc returns the Cc recipients.
func (b *Builder) Cc() []email.Address { return clone(b.cc) }

// Bcc returns the Bcc recipients.
func (b *Builder) Bcc() []email.Address { return clone(b.bcc) }

// ReplyTo returns the Reply-To entries.
func (b *Builder) ReplyTo() []email.Address { return clone(b.replyTo) }

// Headers returns the custom headers in insertion order.
func (b *Builder) Headers() []email.Header {
	return append([]email.Header(nil), b.headers...)
}

// SetHostName sets the SMTP host and drops the cached session.
func (b *Builder) SetHostName(name string) {
	b.hostName = name
	b.resetSession()
}

// HostName returns the configured host. When none is set it creates the
// session as a side effect and returns the host the session reports.
func (b *Builder) HostName() string {
	if b.hostName != "" {
		return b.hostName
	}
	s, err := b.EnsureSession()
	if err != nil {
		slog.Warn("failed to create mail session", "error", err)
		return ""
	}
	return s.Host()
}

// SetSSLOnConnect selects implicit TLS on the SSL port.
func (b *Builder) SetSSLOnConnect(enabled bool) {
	b.sslOnConnect = enabled
	b.resetSession()
}

// SSLOnConnect reports whether implicit TLS is enabled.
func (b *Builder) SSLOnConnect() bool { return b.sslOnConnect }

// SetSmtpPort sets the plain SMTP port.
func (b *Builder) SetSmtpPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: SMTP port %d out of range", ErrInvalidArgument, port)
	}
	b.smtpPort = port
	b.resetSession()
	return nil
}

// SetSslSmtpPort sets the port used when SSL on connect is enabled.
func (b *Builder) SetSslSmtpPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: SSL SMTP port %d out of range", ErrInvalidArgument, port)
	}
	b.sslSmtpPort = port
	b.resetSession()
	return nil
}

// SetStartTLSEnabled allows upgrading the connection with STARTTLS.
func (b *Builder) SetStartTLSEnabled(enabled bool) {
	b.startTLSEnabled = enabled
	b.resetSession()
}

// SetStartTLSRequired makes STARTTLS mandatory. It implies STARTTLS enabled.
func (b *Builder) SetStartTLSRequired(required bool) {
	b.startTLSRequired = required
	if required {
		b.startTLSEnabled = true
	}
	b.resetSession()
}

// SetAuthentication sets the SMTP AUTH credentials. An empty username
// disables authentication.
func (b *Builder) SetAuthentication(username, password string) {
	b.username = username
	b.password = password
	b.resetSession()
}

// SetTLSConfig sets the TLS configuration for SSL and STARTTLS.
func (b *Builder) SetTLSConfig(cfg *tls.Config) {
	b.tlsConfig = cfg
	b.resetSession()
}

// SetSocketConnectionTimeout sets the connect timeout in milliseconds.
// Zero leaves the library default.
func (b *Builder) SetSocketConnectionTimeout(ms int) error {
	if ms < 0 {
		return fmt.Errorf("%w: negative socket connection timeout %d", ErrInvalidArgument, ms)
	}
	b.connTimeoutMs = ms
	b.resetSession()
	return nil
}

// SocketConnectionTimeout returns the connect timeout in milliseconds.
func (b *Builder) SocketConnectionTimeout() int { return b.connTimeoutMs }

// SetSocketTimeout sets the socket read/write timeout in milliseconds.
func (b *Builder) SetSocketTimeout(ms int) error {
	if ms < 0 {
		return fmt.Errorf("%w: negative socket timeout %d", ErrInvalidArgument, ms)
	}
	b.socketTimeoutMs = ms
	b.resetSession()
	return nil
}

// SocketTimeout returns the socket timeout in milliseconds.
func (b *Builder) SocketTimeout() int { return b.socketTimeoutMs }

// SetPopBeforeSmtp stores POP-before-SMTP credentials. They are only used
// by Send.
func (b *Builder) SetPopBeforeSmtp(enabled bool, host, username, password string) {
	b.pop.enabled = enabled
	b.pop.host = host
	b.pop.username = username
	b.pop.password = password
}

// SetPopTLSConfig enables POP3S with the given configuration. Nil means
// plain POP3.
func (b *Builder) SetPopTLSConfig(cfg *tls.Config) {
	b.pop.tls = cfg
}

// PopBeforeSmtp reports whether a POP login precedes each send.
func (b *Builder) PopBeforeSmtp() bool { return b.pop.enabled }

// EnsureSession returns the cached session, creating and caching one from
// the current settings first if there is none. This mutates the builder.
func (b *Builder) EnsureSession() (transport.Session, error) {
	if b.session != nil {
		return b.session, nil
	}
	s, err := b.lib.CreateSession(b.sessionConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	b.session = s
	return s, nil
}

// Build assembles the accumulated state into a message. From, Subject and
// at least one To recipient are required. A failed build clears the result
// of any previous build.
func (b *Builder) Build() error {
	b.built = nil

	if err := b.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrMessageBuild, err)
	}

	s, err := b.EnsureSession()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMessageBuild, err)
	}

	msg, err := b.lib.AssembleMessage(s, b.draft())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMessageBuild, err)
	}
	b.built = msg

	slog.Debug("message built",
		"library", b.lib.Name(),
		"message_id", msg.MessageID,
		"recipients", len(msg.Recipients()),
	)
	return nil
}

// MimeMessage returns the last successfully built message, or nil.
func (b *Builder) MimeMessage() *email.Message {
	return b.built
}

// Send builds the message, performs the POP login if configured, and
// delivers through the session. It returns the Message-ID.
func (b *Builder) Send(ctx context.Context) (string, error) {
	if err := b.Build(); err != nil {
		return "", err
	}

	if b.pop.enabled {
		if err := b.popLogin(ctx, b.popConfig()); err != nil {
			return "", fmt.Errorf("POP before SMTP failed: %w", err)
		}
	}

	if err := b.session.Send(ctx, b.built); err != nil {
		return "", err
	}

	slog.Info("message sent",
		"message_id", b.built.MessageID,
		"host", b.session.Host(),
		"from", b.built.From.Address,
		"recipients", len(b.built.Recipients()),
	)
	return b.built.MessageID, nil
}

// Load replaces the message fields with those of msg. Every address and
// header is validated first; on error the builder is unchanged. Transport
// settings are kept.
func (b *Builder) Load(msg *email.Message) error {
	nb := &Builder{lib: b.lib}

	if msg.From.Address != "" {
		if err := nb.SetFrom(msg.From.String()); err != nil {
			return err
		}
	}
	for _, a := range msg.To {
		if err := nb.AddTo(a.String()); err != nil {
			return err
		}
	}
	for _, a := range msg.Cc {
		if err := nb.AddCc(a.String()); err != nil {
			return err
		}
	}
	for _, a := range msg.Bcc {
		if err := nb.AddBcc(a.String()); err != nil {
			return err
		}
	}
	for _, a := range msg.ReplyTo {
		if err := nb.AddReplyTo(a.Address, a.Name); err != nil {
			return err
		}
	}
	for _, h := range msg.Headers {
		if err := nb.AddHeader(h.Name, h.Value); err != nil {
			return err
		}
	}
	if err := nb.SetBounceAddress(msg.BounceAddress); err != nil {
		return err
	}

	b.from = nb.from
	b.to = nb.to
	b.cc = nb.cc
	b.bcc = nb.bcc
	b.replyTo = nb.replyTo
	b.headers = nb.headers
	b.bounceAddress = nb.bounceAddress
	b.subject = msg.Subject
	b.sentDate = msg.SentDate
	b.content = msg.Content
	b.built = nil
	return nil
}

func (b *Builder) validate() error {
	var missing []string
	if b.from == nil {
		missing = append(missing, "From")
	}
	if b.subject == "" {
		missing = append(missing, "Subject")
	}
	if len(b.to) == 0 {
		missing = append(missing, "To")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (b *Builder) draft() transport.Draft {
	sent := b.sentDate
	if sent.IsZero() {
		sent = time.Now()
	}
	return transport.Draft{
		From:          *b.from,
		To:            b.to,
		Cc:            b.cc,
		Bcc:           b.bcc,
		ReplyTo:       b.replyTo,
		Subject:       b.subject,
		Charset:       b.charset,
		BounceAddress: b.bounceAddress,
		Headers:       b.headers,
		SentDate:      sent,
		Content:       b.content,
	}
}

func (b *Builder) sessionConfig() transport.SessionConfig {
	return transport.SessionConfig{
		Host:             b.hostName,
		Port:             b.smtpPort,
		SSLPort:          b.sslSmtpPort,
		SSLOnConnect:     b.sslOnConnect,
		StartTLSEnabled:  b.startTLSEnabled,
		StartTLSRequired: b.startTLSRequired,
		Username:         b.username,
		Password:         b.password,
		ConnectTimeout:   time.Duration(b.connTimeoutMs) * time.Millisecond,
		Timeout:          time.Duration(b.socketTimeoutMs) * time.Millisecond,
		TLSConfig:        b.tlsConfig,
	}
}

func (b *Builder) popConfig() pop3.Config {
	return pop3.Config{
		Host:     b.pop.host,
		Username: b.pop.username,
		Password: b.pop.password,
		TLS:      b.pop.tls,
		Timeout:  time.Duration(b.connTimeoutMs) * time.Millisecond,
	}
}

func (b *Builder) resetSession() {
	b.session = nil
}

// appendUnique appends a unless an equal address is already in list.
func appendUnique(list []email.Address, a email.Address) []email.Address {
	for _, existing := range list {
		if existing.Equal(a) {
			return list
		}
	}
	return append(list, a)
}

func clone(list []email.Address) []email.Address {
	return append([]email.Address(nil), list...)
}
