// Package email defines the core email data model shared by the builder,
// the transport libraries and the delivery providers.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"
)

// ErrInvalidAddress is returned when a string is not a parseable email address.
var ErrInvalidAddress = errors.New("invalid email address")

// Address is a single mailbox, optionally carrying a display name.
type Address struct {
	Name    string
	Address string
}

// String renders the address in RFC 5322 form. A bare address is returned
// unchanged when there is no display name.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return (&mail.Address{Name: a.Name, Address: a.Address}).String()
}

// Equal reports whether both addresses point at the same mailbox.
// Display names are ignored.
func (a Address) Equal(b Address) bool {
	return strings.EqualFold(a.Address, b.Address)
}

// Header is a single header field. Names are not unique within a message.
type Header struct {
	Name  string
	Value string
}

// Message is the immutable snapshot produced by a successful build.
type Message struct {
	MessageID string
	From      Address
	To        []Address
	Cc        []Address
	Bcc       []Address
	ReplyTo   []Address
	Subject   string
	Headers   []Header
	SentDate  time.Time
	Content   Content

	// BounceAddress overrides the envelope sender when set.
	BounceAddress string

	// Native is the transport library's own representation of the message.
	Native io.WriterTo
}

// Recipients returns the envelope recipients: To, Cc and Bcc in that order.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	for _, list := range [][]Address{m.To, m.Cc, m.Bcc} {
		for _, a := range list {
			out = append(out, a.Address)
		}
	}
	return out
}

// EnvelopeFrom returns the bounce address if set, otherwise the From address.
func (m *Message) EnvelopeFrom() string {
	if m.BounceAddress != "" {
		return m.BounceAddress
	}
	return m.From.Address
}

// Bytes renders the native message into RFC 5322 wire format.
func (m *Message) Bytes() ([]byte, error) {
	if m.Native == nil {
		return nil, fmt.Errorf("message %q has no rendered form", m.MessageID)
	}
	var buf bytes.Buffer
	if _, err := m.Native.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to render message: %w", err)
	}
	return buf.Bytes(), nil
}

// Raw is a pre-rendered message body.
type Raw []byte

// WriteTo implements io.WriterTo.
func (r Raw) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r)
	return int64(n), err
}
