package main

import (
	"bytes"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/mailbuilder/internal/builder"
	"github.com/shineum/mailbuilder/internal/email"
	"github.com/shineum/mailbuilder/internal/parser"
)

// sendOptions holds the message flags of the send command.
type sendOptions struct {
	from    string
	to      []string
	cc      []string
	bcc     []string
	replyTo []string
	subject string
	body    string
	html    string
	attach  []string
	headers []string
}

func newSendCmd(configPath *string) *cobra.Command {
	var opts sendOptions

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Compose a message from flags and send it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			m, err := setup(ctx, *configPath, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := opts.apply(m.builder); err != nil {
				return err
			}

			id, err := m.send(ctx)
			if err != nil {
				return fmt.Errorf("failed to send message: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.from, "from", "", "sender address (defaults to MAIL_FROM)")
	f.StringSliceVar(&opts.to, "to", nil, "recipient address (repeatable)")
	f.StringSliceVar(&opts.cc, "cc", nil, "carbon copy address (repeatable)")
	f.StringSliceVar(&opts.bcc, "bcc", nil, "blind carbon copy address (repeatable)")
	f.StringArrayVar(&opts.replyTo, "reply-to", nil, "reply-to address, optionally \"Name <addr>\" (repeatable)")
	f.StringVar(&opts.subject, "subject", "", "message subject")
	f.StringVar(&opts.body, "body", "", "plain text body")
	f.StringVar(&opts.html, "html", "", "HTML body")
	f.StringArrayVar(&opts.attach, "attach", nil, "file to attach (repeatable)")
	f.StringArrayVar(&opts.headers, "header", nil, "extra header as \"Name: Value\" (repeatable)")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

// apply copies the flags onto b. Validation errors name the offending flag.
func (o sendOptions) apply(b *builder.Builder) error {
	if o.from != "" {
		if err := b.SetFrom(o.from); err != nil {
			return fmt.Errorf("--from: %w", err)
		}
	}
	for _, a := range o.to {
		if err := b.AddTo(a); err != nil {
			return fmt.Errorf("--to: %w", err)
		}
	}
	for _, a := range o.cc {
		if err := b.AddCc(a); err != nil {
			return fmt.Errorf("--cc: %w", err)
		}
	}
	if len(o.bcc) > 0 {
		if err := b.AddBcc(o.bcc...); err != nil {
			return fmt.Errorf("--bcc: %w", err)
		}
	}
	for _, a := range o.replyTo {
		if err := b.AddReplyTo(a, ""); err != nil {
			return fmt.Errorf("--reply-to: %w", err)
		}
	}
	for _, h := range o.headers {
		name, value, err := parseHeader(h)
		if err != nil {
			return err
		}
		if err := b.AddHeader(name, value); err != nil {
			return fmt.Errorf("--header: %w", err)
		}
	}
	b.SetSubject(o.subject)

	return o.applyContent(b)
}

// applyContent picks the simplest body shape for the given flags: a single
// text part, an alternative of text and HTML, or a mixed multipart when
// files are attached.
func (o sendOptions) applyContent(b *builder.Builder) error {
	if len(o.attach) == 0 {
		switch {
		case o.html == "":
			b.SetMsg(o.body)
			return nil
		case o.body == "":
			return b.SetContent(o.html, "text/html")
		default:
			b.SetMultipart(email.NewMultipart("alternative").
				AddText("text/plain", o.body).
				AddText("text/html", o.html))
			return nil
		}
	}

	mp := email.NewMultipart("mixed")
	if o.body != "" {
		mp.AddText("text/plain", o.body)
	}
	if o.html != "" {
		mp.AddText("text/html", o.html)
	}
	for _, path := range o.attach {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read attachment: %w", err)
		}
		mp.Attach(filepath.Base(path), attachmentType(path), data)
	}
	b.SetMultipart(mp)
	return nil
}

// parseHeader splits a "Name: Value" flag.
func parseHeader(s string) (string, string, error) {
	name, value, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", fmt.Errorf("--header %q: expected \"Name: Value\"", s)
	}
	return strings.TrimSpace(name), strings.TrimSpace(value), nil
}

func attachmentType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		mediaType, _, err := mime.ParseMediaType(t)
		if err == nil {
			return mediaType
		}
	}
	return "application/octet-stream"
}

func newResendCmd(configPath *string) *cobra.Command {
	var to []string

	cmd := &cobra.Command{
		Use:   "resend FILE",
		Short: "Send a saved .eml message or every message of an mbox archive again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			m, err := setup(ctx, *configPath, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			msgs, err := loadMessages(args[0])
			if err != nil {
				return err
			}

			for i, msg := range msgs {
				if err := loadForResend(m.builder, msg, to); err != nil {
					return fmt.Errorf("message %d: %w", i, err)
				}
				id, err := m.send(ctx)
				if err != nil {
					return fmt.Errorf("message %d: failed to send: %w", i, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&to, "to", nil, "replace all recipients with these addresses (repeatable)")
	return cmd
}

// loadMessages reads a single message or an mbox archive.
func loadMessages(path string) ([]*email.Message, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	if parser.IsMbox(raw) {
		return parser.ParseMbox(bytes.NewReader(raw))
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		return nil, err
	}
	return []*email.Message{msg}, nil
}

// loadForResend loads msg into b. When to is non-empty it replaces every
// original recipient. The original Message-ID and Date are not reused.
func loadForResend(b *builder.Builder, msg *email.Message, to []string) error {
	if len(to) > 0 {
		msg.To = make([]email.Address, 0, len(to))
		for _, a := range to {
			msg.To = append(msg.To, email.Address{Address: a})
		}
		msg.Cc = nil
		msg.Bcc = nil
	}
	msg.SentDate = time.Time{}

	if err := b.Load(msg); err != nil {
		return fmt.Errorf("failed to load message: %w", err)
	}
	return nil
}
