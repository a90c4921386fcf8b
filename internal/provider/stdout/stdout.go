// Package stdout implements a Provider that prints built messages to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/mailbuilder/internal/email"
)

// Provider prints email messages to stdout in a human-readable format.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer

	// raw appends the full rendered message after the summary.
	raw bool
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// When raw is set the rendered RFC 5322 message follows the summary.
func NewWithWriter(w io.Writer, raw bool) *Provider {
	return &Provider{writer: w, raw: raw}
}

// Send prints a summary of the message followed by its content.
func (p *Provider) Send(_ context.Context, msg *email.Message) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	if msg.MessageID != "" {
		b.WriteString(fmt.Sprintf("Message-ID: %s\n", msg.MessageID))
	}
	b.WriteString(fmt.Sprintf("From: %s\n", msg.From))
	b.WriteString(fmt.Sprintf("To: %s\n", joinAddresses(msg.To)))

	if len(msg.Cc) > 0 {
		b.WriteString(fmt.Sprintf("Cc: %s\n", joinAddresses(msg.Cc)))
	}
	if len(msg.Bcc) > 0 {
		b.WriteString(fmt.Sprintf("Bcc: %s\n", joinAddresses(msg.Bcc)))
	}
	if len(msg.ReplyTo) > 0 {
		b.WriteString(fmt.Sprintf("Reply-To: %s\n", joinAddresses(msg.ReplyTo)))
	}

	b.WriteString(fmt.Sprintf("Subject: %s\n", msg.Subject))
	for _, h := range msg.Headers {
		b.WriteString(fmt.Sprintf("%s: %s\n", h.Name, h.Value))
	}

	switch c := msg.Content.(type) {
	case *email.Multipart:
		b.WriteString("Body:\n")
		if inline := c.Inline(); len(inline) > 0 {
			b.WriteString(string(inline[0].Content) + "\n")
		}
		if attachments := c.Attachments(); len(attachments) > 0 {
			names := make([]string, 0, len(attachments))
			for _, att := range attachments {
				names = append(names, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
			}
			b.WriteString(fmt.Sprintf("Attachments: %s\n", strings.Join(names, ", ")))
		}
	case email.TypedContent:
		b.WriteString(fmt.Sprintf("Body (%s):\n", c.ContentType))
		if _, _, body, err := c.Body(); err == nil {
			b.WriteString(string(body) + "\n")
		}
	}

	if p.raw {
		raw, err := msg.Bytes()
		if err != nil {
			return err
		}
		b.WriteString("----------------------------------------\n")
		b.Write(raw)
		if !strings.HasSuffix(string(raw), "\n") {
			b.WriteString("\n")
		}
	}

	b.WriteString("========================================\n")

	// Write errors are not delivery failures for a console sink.
	_, _ = fmt.Fprint(p.writer, b.String())

	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func joinAddresses(list []email.Address) string {
	parts := make([]string, 0, len(list))
	for _, a := range list {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
