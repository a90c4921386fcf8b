// Package gomessage implements transport.Library with github.com/emersion/go-message.
// Messages are rendered to RFC 5322 bytes up front and handed to a
// provider.Provider for delivery.
package gomessage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/shineum/mailbuilder/internal/email"
	"github.com/shineum/mailbuilder/internal/provider"
	"github.com/shineum/mailbuilder/internal/transport"
)

// ErrUnsupportedCharset is returned for a body charset other than utf-8 or
// us-ascii. go-message only writes those two.
var ErrUnsupportedCharset = errors.New("unsupported charset")

// SupportsCharset reports whether bodies can be declared with charset.
// Empty means utf-8.
func SupportsCharset(charset string) bool {
	switch strings.ToLower(charset) {
	case "", "utf-8", "us-ascii":
		return true
	}
	return false
}

// Library renders messages with go-message and delivers them through a provider.
type Library struct {
	provider provider.Provider
}

// New returns a Library that delivers through prov.
func New(prov provider.Provider) *Library {
	return &Library{provider: prov}
}

// Name returns the library name.
func (l *Library) Name() string {
	return "go-message/" + l.provider.Name()
}

// Session binds session settings to the delivery provider.
type Session struct {
	cfg      transport.SessionConfig
	provider provider.Provider
}

// CreateSession records the settings; providers manage their own connections.
func (l *Library) CreateSession(cfg transport.SessionConfig) (transport.Session, error) {
	cfg = cfg.WithDefaults()
	slog.Debug("created mail session",
		"library", l.Name(),
		"host", cfg.Host,
	)
	return &Session{cfg: cfg, provider: l.provider}, nil
}

// ValidateAddress parses a single RFC 5322 address.
func (l *Library) ValidateAddress(address string) (email.Address, error) {
	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return email.Address{}, fmt.Errorf("%w %q: %v", email.ErrInvalidAddress, address, err)
	}
	return email.Address{Name: parsed.Name, Address: parsed.Address}, nil
}

// AssembleMessage renders the draft. Bcc recipients are kept on the
// snapshot for the envelope but are not written into the headers.
func (l *Library) AssembleMessage(s transport.Session, d transport.Draft) (*email.Message, error) {
	if _, ok := s.(*Session); !ok {
		return nil, fmt.Errorf("session of type %T was not created by %s", s, l.Name())
	}
	if !SupportsCharset(d.Charset) {
		return nil, fmt.Errorf("%w %q: %s writes utf-8 or us-ascii bodies", ErrUnsupportedCharset, d.Charset, l.Name())
	}

	var h mail.Header
	h.SetDate(d.SentDate)
	h.SetSubject(d.Subject)
	h.SetAddressList("From", toMailAddresses([]email.Address{d.From}))
	if len(d.To) > 0 {
		h.SetAddressList("To", toMailAddresses(d.To))
	}
	if len(d.Cc) > 0 {
		h.SetAddressList("Cc", toMailAddresses(d.Cc))
	}
	if len(d.ReplyTo) > 0 {
		h.SetAddressList("Reply-To", toMailAddresses(d.ReplyTo))
	}

	messageID := fmt.Sprintf("%s@%s", uuid.NewString(), s.Host())
	h.SetMessageID(messageID)

	// Add prepends within the header block, so walk backwards to keep the
	// caller's order on the wire.
	for i := len(d.Headers) - 1; i >= 0; i-- {
		h.Add(d.Headers[i].Name, d.Headers[i].Value)
	}

	var buf bytes.Buffer
	if err := writeBody(&buf, h, d.Content, d.Charset); err != nil {
		return nil, err
	}

	return d.Snapshot(messageID, email.Raw(buf.Bytes())), nil
}

// Host returns the configured host name.
func (s *Session) Host() string {
	return s.cfg.Host
}

// Config returns the settings the session was created from.
func (s *Session) Config() transport.SessionConfig {
	return s.cfg
}

// Send hands the rendered message to the provider.
func (s *Session) Send(ctx context.Context, msg *email.Message) error {
	if err := s.provider.Send(ctx, msg); err != nil {
		return fmt.Errorf("provider %s: %w", s.provider.Name(), err)
	}
	return nil
}

// writeBody writes the header block and body for the given content.
func writeBody(w io.Writer, h mail.Header, content email.Content, charset string) error {
	if charset == "" {
		charset = "utf-8"
	}

	switch c := content.(type) {
	case nil:
		h.SetContentType("text/plain", map[string]string{"charset": charset})
		return writeSingle(w, h, nil)
	case email.TypedContent:
		mediaType, params, body, err := c.Body()
		if err != nil {
			return err
		}
		if params == nil {
			params = make(map[string]string)
		}
		if _, ok := params["charset"]; !ok && isText(mediaType) {
			params["charset"] = charset
		}
		h.SetContentType(mediaType, params)
		return writeSingle(w, h, body)
	case *email.Multipart:
		if err := c.Validate(); err != nil {
			return err
		}
		if c.Subtype == "" || c.Subtype == "mixed" {
			return writeMultipart(w, h, c, charset)
		}
		return writeMultipartAs(w, h, c, charset)
	default:
		return fmt.Errorf("unsupported content %T", content)
	}
}

func writeSingle(w io.Writer, h mail.Header, body []byte) error {
	bw, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := bw.Write(body); err != nil {
		return fmt.Errorf("failed to write body: %w", err)
	}
	return bw.Close()
}

func writeMultipart(w io.Writer, h mail.Header, mp *email.Multipart, charset string) error {
	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("failed to create multipart writer: %w", err)
	}

	if inline := mp.Inline(); len(inline) > 0 {
		iw, err := mw.CreateInline()
		if err != nil {
			return fmt.Errorf("failed to create inline section: %w", err)
		}
		for _, p := range inline {
			var ph mail.InlineHeader
			mediaType, params := partContentType(p, charset)
			ph.SetContentType(mediaType, params)
			pw, err := iw.CreatePart(ph)
			if err != nil {
				return fmt.Errorf("failed to create inline part: %w", err)
			}
			if _, err := pw.Write(p.Content); err != nil {
				return fmt.Errorf("failed to write inline part: %w", err)
			}
			if err := pw.Close(); err != nil {
				return err
			}
		}
		if err := iw.Close(); err != nil {
			return err
		}
	}

	for _, p := range mp.Attachments() {
		var ah mail.AttachmentHeader
		mediaType, params := partContentType(p, charset)
		ah.SetContentType(mediaType, params)
		ah.SetFilename(p.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return fmt.Errorf("failed to create attachment %q: %w", p.Filename, err)
		}
		if _, err := aw.Write(p.Content); err != nil {
			return fmt.Errorf("failed to write attachment %q: %w", p.Filename, err)
		}
		if err := aw.Close(); err != nil {
			return err
		}
	}

	return mw.Close()
}

// writeMultipartAs writes a multipart/<subtype> container holding the parts
// in order. File parts of a related multipart are inline with a Content-ID
// of their filename; elsewhere they are attachments.
func writeMultipartAs(w io.Writer, h mail.Header, mp *email.Multipart, charset string) error {
	h.SetContentType(mp.MediaType(), nil)
	mw, err := message.CreateWriter(w, h.Header)
	if err != nil {
		return fmt.Errorf("failed to create multipart writer: %w", err)
	}

	for _, p := range mp.Parts {
		var ph message.Header
		mediaType, params := partContentType(p, charset)
		ph.SetContentType(mediaType, params)
		if isText(mediaType) {
			ph.Set("Content-Transfer-Encoding", "quoted-printable")
		} else {
			ph.Set("Content-Transfer-Encoding", "base64")
		}
		if p.IsAttachment() {
			disposition := "attachment"
			if mp.Subtype == "related" {
				disposition = "inline"
				ph.Set("Content-Id", "<"+p.Filename+">")
			}
			ph.SetContentDisposition(disposition, map[string]string{"filename": p.Filename})
		}

		pw, err := mw.CreatePart(ph)
		if err != nil {
			return fmt.Errorf("failed to create %s part: %w", mediaType, err)
		}
		if _, err := pw.Write(p.Content); err != nil {
			return fmt.Errorf("failed to write %s part: %w", mediaType, err)
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}

	return mw.Close()
}

// partContentType parses a part's content type, defaulting to text/plain
// and filling in the charset for text parts.
func partContentType(p email.Part, charset string) (string, map[string]string) {
	ct := p.ContentType
	if ct == "" {
		if p.IsAttachment() {
			ct = "application/octet-stream"
		} else {
			ct = "text/plain"
		}
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return "application/octet-stream", nil
	}
	if params == nil {
		params = make(map[string]string)
	}
	if _, ok := params["charset"]; !ok && isText(mediaType) && !p.IsAttachment() {
		params["charset"] = charset
	}
	return mediaType, params
}

func isText(mediaType string) bool {
	return len(mediaType) > 5 && mediaType[:5] == "text/"
}

func toMailAddresses(list []email.Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Address})
	}
	return out
}
