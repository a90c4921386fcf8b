// Package parser reads an RFC 5322 message into an email.Message so it can
// be loaded into a builder and sent again.
package parser

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/textproto"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/mailbuilder/internal/email"
)

// skipHeaders are structural or trace fields that are rebuilt on send and
// never copied into the custom header list.
var skipHeaders = map[string]bool{
	"From":                      true,
	"To":                        true,
	"Cc":                        true,
	"Bcc":                       true,
	"Reply-To":                  true,
	"Subject":                   true,
	"Date":                      true,
	"Message-Id":                true,
	"Mime-Version":              true,
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
	"Content-Disposition":       true,
	"Return-Path":               true,
	"Received":                  true,
	"Delivered-To":              true,
}

// Parse parses a raw message. Text parts become inline parts, everything
// else becomes an attachment. Charsets are decoded to UTF-8.
func Parse(raw []byte) (*email.Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	result := &email.Message{
		From:    first(addressList(h, "From")),
		To:      addressList(h, "To"),
		Cc:      addressList(h, "Cc"),
		Bcc:     addressList(h, "Bcc"),
		ReplyTo: addressList(h, "Reply-To"),
		Headers: customHeaders(h),
	}

	if result.Subject, err = h.Subject(); err != nil {
		slog.Warn("failed to decode subject", "error", err)
		result.Subject = h.Get("Subject")
	}
	if id, err := h.MessageID(); err == nil {
		result.MessageID = id
	}
	if date, err := h.Date(); err == nil {
		result.SentDate = date
	}
	if rp := addressList(h, "Return-Path"); len(rp) > 0 {
		result.BounceAddress = rp[0].Address
	}

	mediaType, params := contentType(h.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		if params["boundary"] == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		mp, err := readMultipart(mr, strings.TrimPrefix(mediaType, "multipart/"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		result.Content = mp
		return result, nil
	}

	p, err := mr.NextPart()
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	body, err := io.ReadAll(p.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	result.Content = typedContent(mediaType, body)
	return result, nil
}

// readMultipart flattens all leaf parts, including those of nested
// multiparts, into one Multipart.
func readMultipart(mr *mail.Reader, subtype string) (*email.Multipart, error) {
	mp := email.NewMultipart(subtype)

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}

		content, err := io.ReadAll(p.Body)
		if err != nil {
			slog.Warn("failed to read part content", "error", err)
			continue
		}

		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			mediaType, params := contentType(ph.Get("Content-Type"))
			filename := params["name"]
			if strings.HasPrefix(mediaType, "text/") && filename == "" {
				mp.AddText(mediaType, string(content))
				continue
			}
			mp.Attach(fallbackName(filename, mediaType), mediaType, content)
		case *mail.AttachmentHeader:
			mediaType, params := contentType(ph.Get("Content-Type"))
			filename, err := ph.Filename()
			if err != nil || filename == "" {
				filename = params["name"]
			}
			mp.Attach(fallbackName(filename, mediaType), mediaType, content)
		default:
			slog.Warn("unrecognized MIME part, skipping")
		}
	}

	return mp, nil
}

// typedContent wraps a single-part body. Text stays a string.
func typedContent(mediaType string, body []byte) email.TypedContent {
	if strings.HasPrefix(mediaType, "text/") {
		return email.TypedContent{Payload: string(body), ContentType: mediaType}
	}
	return email.TypedContent{Payload: body, ContentType: mediaType}
}

// contentType parses a Content-Type value, defaulting to text/plain when
// it is missing or malformed.
func contentType(value string) (string, map[string]string) {
	if value == "" {
		return "text/plain", map[string]string{}
	}
	mediaType, params, err := mime.ParseMediaType(value)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", value,
			"error", err,
		)
		return "text/plain", map[string]string{}
	}
	return mediaType, params
}

// fallbackName derives a filename from the media type when none was sent.
func fallbackName(filename, mediaType string) string {
	if filename != "" {
		return filename
	}
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

// addressList parses an address header. Unparseable lists fall back to a
// comma split so a sloppy header does not lose recipients.
func addressList(h mail.Header, key string) []email.Address {
	if !h.Has(key) {
		return nil
	}

	list, err := h.AddressList(key)
	if err != nil {
		slog.Warn("failed to parse address list, splitting on commas",
			"header", key,
			"error", err,
		)
		var out []email.Address
		for _, part := range strings.Split(h.Get(key), ",") {
			if trimmed := strings.Trim(strings.TrimSpace(part), "<>"); trimmed != "" {
				out = append(out, email.Address{Address: trimmed})
			}
		}
		return out
	}

	if len(list) == 0 {
		return nil
	}
	out := make([]email.Address, 0, len(list))
	for _, a := range list {
		out = append(out, email.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

// customHeaders returns every non-structural field in wire order.
func customHeaders(h mail.Header) []email.Header {
	var out []email.Header
	fields := h.Fields()
	for fields.Next() {
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		if skipHeaders[key] {
			continue
		}
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		if strings.TrimSpace(value) == "" {
			continue
		}
		out = append(out, email.Header{Name: key, Value: value})
	}
	return out
}

func first(list []email.Address) email.Address {
	if len(list) == 0 {
		return email.Address{}
	}
	return list[0]
}
