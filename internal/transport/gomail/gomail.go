// Package gomail implements transport.Library on top of github.com/wneessen/go-mail.
// Sessions wrap a go-mail Client and deliver over SMTP.
package gomail

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/shineum/mailbuilder/internal/email"
	"github.com/shineum/mailbuilder/internal/transport"
)

// Library assembles go-mail messages and creates go-mail client sessions.
type Library struct{}

// New returns a go-mail backed Library.
func New() *Library {
	return &Library{}
}

// Name returns the library name.
func (l *Library) Name() string {
	return "go-mail"
}

// Session is a configured go-mail Client. No connection is held between sends.
type Session struct {
	cfg    transport.SessionConfig
	client *mail.Client
}

// CreateSession builds a go-mail Client from the session settings.
func (l *Library) CreateSession(cfg transport.SessionConfig) (transport.Session, error) {
	cfg = cfg.WithDefaults()

	opts := []mail.Option{
		mail.WithPort(cfg.EffectivePort()),
		mail.WithTLSPolicy(tlsPolicy(cfg)),
	}
	if cfg.SSLOnConnect {
		opts = append(opts, mail.WithSSL())
	}
	if timeout := connTimeout(cfg); timeout > 0 {
		opts = append(opts, mail.WithTimeout(timeout))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.TLSConfig != nil {
		opts = append(opts, mail.WithTLSConfig(cfg.TLSConfig))
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail client for %s: %w", cfg.Host, err)
	}

	slog.Debug("created mail session",
		"library", l.Name(),
		"host", cfg.Host,
		"port", cfg.EffectivePort(),
		"ssl_on_connect", cfg.SSLOnConnect,
	)

	return &Session{cfg: cfg, client: client}, nil
}

// ValidateAddress parses an address with the same rules go-mail applies to
// recipient headers.
func (l *Library) ValidateAddress(address string) (email.Address, error) {
	scratch := mail.NewMsg()
	if err := scratch.AddTo(address); err != nil {
		return email.Address{}, fmt.Errorf("%w %q: %v", email.ErrInvalidAddress, address, err)
	}
	parsed := scratch.GetTo()
	if len(parsed) != 1 {
		return email.Address{}, fmt.Errorf("%w %q", email.ErrInvalidAddress, address)
	}
	return email.Address{Name: parsed[0].Name, Address: parsed[0].Address}, nil
}

// AssembleMessage composes a *mail.Msg from the draft.
func (l *Library) AssembleMessage(s transport.Session, d transport.Draft) (*email.Message, error) {
	if _, ok := s.(*Session); !ok {
		return nil, fmt.Errorf("session of type %T was not created by %s", s, l.Name())
	}

	var msgOpts []mail.MsgOption
	if d.Charset != "" {
		msgOpts = append(msgOpts, mail.WithCharset(mail.Charset(d.Charset)))
	}
	m := mail.NewMsg(msgOpts...)

	if err := m.From(d.From.String()); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if d.BounceAddress != "" {
		if err := m.EnvelopeFrom(d.BounceAddress); err != nil {
			return nil, fmt.Errorf("invalid bounce address: %w", err)
		}
	}

	addrHeaders := []struct {
		header mail.AddrHeader
		list   []email.Address
	}{
		{mail.HeaderTo, d.To},
		{mail.HeaderCc, d.Cc},
		{mail.HeaderBcc, d.Bcc},
	}
	for _, h := range addrHeaders {
		if len(h.list) == 0 {
			continue
		}
		if err := m.SetAddrHeader(h.header, transport.AddressStrings(h.list)...); err != nil {
			return nil, fmt.Errorf("invalid %s address: %w", h.header, err)
		}
	}

	// Reply-To is a generic header in go-mail; the values are already
	// RFC 5322 mailboxes and are written comma separated.
	if len(d.ReplyTo) > 0 {
		m.SetGenHeader(mail.HeaderReplyTo, transport.AddressStrings(d.ReplyTo)...)
	}

	m.Subject(d.Subject)
	m.SetDateWithValue(d.SentDate)
	m.SetMessageID()

	if len(d.Headers) > 0 {
		name, block, err := customHeaders(d.Headers)
		if err != nil {
			return nil, err
		}
		m.SetGenHeaderPreformatted(name, block)
	}

	if err := setContent(m, d.Content); err != nil {
		return nil, err
	}

	return d.Snapshot(m.GetMessageID(), m), nil
}

// Host returns the configured host name.
func (s *Session) Host() string {
	return s.cfg.Host
}

// Config returns the settings the session was created from.
func (s *Session) Config() transport.SessionConfig {
	return s.cfg
}

// Send dials the server and delivers the message.
func (s *Session) Send(ctx context.Context, msg *email.Message) error {
	m, ok := msg.Native.(*mail.Msg)
	if !ok {
		return fmt.Errorf("message %q was not assembled by go-mail", msg.MessageID)
	}

	if err := s.client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("failed to send message via %s: %w", s.client.ServerAddr(), err)
	}

	slog.Debug("message delivered",
		"host", s.cfg.Host,
		"message_id", msg.MessageID,
		"recipients", len(msg.Recipients()),
	)
	return nil
}

// setContent writes the draft content into the go-mail message.
func setContent(m *mail.Msg, content email.Content) error {
	switch c := content.(type) {
	case nil:
		return nil
	case email.TypedContent:
		mediaType, _, body, err := c.Body()
		if err != nil {
			return err
		}
		m.SetBodyString(mail.ContentType(mediaType), string(body))
		return nil
	case *email.Multipart:
		if err := c.Validate(); err != nil {
			return err
		}
		return setMultipart(m, c)
	default:
		return fmt.Errorf("unsupported content %T", content)
	}
}

// setMultipart maps a multipart onto go-mail's fixed layout, which nests
// alternative bodies inside related embeds inside mixed attachments.
//
//	mixed:       inline parts are alternative bodies, file parts are attachments
//	alternative: every part is an alternative body; file parts are rejected
//	related:     the first part is the body, later parts are embedded with a
//	             Content-ID of their filename or "part<N>"
//
// Any other subtype cannot be expressed and is an error.
func setMultipart(m *mail.Msg, mp *email.Multipart) error {
	switch mp.Subtype {
	case "", "mixed":
		addBodies(m, mp.Inline())
		for _, p := range mp.Attachments() {
			err := m.AttachReader(p.Filename, bytes.NewReader(p.Content),
				mail.WithFileContentType(mail.ContentType(partType(p))))
			if err != nil {
				return fmt.Errorf("failed to attach %q: %w", p.Filename, err)
			}
		}
		return nil
	case "alternative":
		if files := mp.Attachments(); len(files) > 0 {
			return fmt.Errorf("multipart/alternative cannot carry attachment %q", files[0].Filename)
		}
		addBodies(m, mp.Parts)
		return nil
	case "related":
		addBodies(m, mp.Parts[:1])
		for i, p := range mp.Parts[1:] {
			name := p.Filename
			if name == "" {
				name = fmt.Sprintf("part%d", i+1)
			}
			err := m.EmbedReader(name, bytes.NewReader(p.Content),
				mail.WithFileContentType(mail.ContentType(partType(p))))
			if err != nil {
				return fmt.Errorf("failed to embed %q: %w", name, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("go-mail cannot render multipart/%s", mp.Subtype)
	}
}

// addBodies sets the first part as the body and the rest as alternatives.
func addBodies(m *mail.Msg, parts []email.Part) {
	for i, p := range parts {
		ct := mail.ContentType(partType(p))
		if i == 0 {
			m.SetBodyString(ct, string(p.Content))
			continue
		}
		m.AddAlternativeString(ct, string(p.Content))
	}
}

// partType strips parameters from a part content type, defaulting to text/plain.
func partType(p email.Part) string {
	if p.ContentType == "" {
		return string(mail.TypeTextPlain)
	}
	return mediaTypeOnly(p.ContentType)
}

// mediaTypeOnly drops any parameters from a content type.
func mediaTypeOnly(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}
	return mediaType
}

// customHeaders renders headers as a single preformatted entry: the first
// name is the key and every later field follows on its own line. go-mail
// keys generic headers by name, so this is the only way to keep repeated
// names as separate fields in insertion order. Non-ASCII values are
// Q-encoded as UTF-8.
func customHeaders(headers []email.Header) (mail.Header, string, error) {
	var b strings.Builder
	for i, h := range headers {
		if h.Name == "" || strings.ContainsAny(h.Name, ": \t\r\n") {
			return "", "", fmt.Errorf("invalid header name %q", h.Name)
		}
		if strings.ContainsAny(h.Value, "\r\n") {
			return "", "", fmt.Errorf("value of header %q contains a line break", h.Name)
		}
		if i > 0 {
			b.WriteString(mail.SingleNewLine + h.Name + ": ")
		}
		b.WriteString(mime.QEncoding.Encode("UTF-8", h.Value))
	}
	return mail.Header(headers[0].Name), b.String(), nil
}

// tlsPolicy maps the STARTTLS flags onto a go-mail TLS policy.
func tlsPolicy(cfg transport.SessionConfig) mail.TLSPolicy {
	switch {
	case cfg.StartTLSRequired:
		return mail.TLSMandatory
	case cfg.StartTLSEnabled:
		return mail.TLSOpportunistic
	default:
		return mail.NoTLS
	}
}

// connTimeout picks the timeout handed to go-mail, which uses a single value
// for dialing and for socket deadlines.
func connTimeout(cfg transport.SessionConfig) time.Duration {
	if cfg.ConnectTimeout > 0 {
		return cfg.ConnectTimeout
	}
	return cfg.Timeout
}
