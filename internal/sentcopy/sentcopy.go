// Package sentcopy stores a copy of each delivered message in an IMAP
// folder, the way desktop mail clients fill their "Sent" mailbox.
package sentcopy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/shineum/mailbuilder/internal/email"
)

// DefaultFolder is used when Options.Folder is empty.
const DefaultFolder = "Sent"

// Options describes the IMAP account that receives the copies.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string

	// TLS enables implicit TLS when non-nil.
	TLS *tls.Config

	Folder string
}

// Saver appends rendered messages to an IMAP folder. Each Save opens its
// own connection.
type Saver struct {
	opts Options
}

// New validates opts and returns a Saver.
func New(opts Options) (*Saver, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Folder == "" {
		opts.Folder = DefaultFolder
	}
	return &Saver{opts: opts}, nil
}

// Folder returns the target mailbox name.
func (s *Saver) Folder() string { return s.opts.Folder }

// Save appends msg to the folder, creating the folder if needed.
func (s *Saver) Save(ctx context.Context, msg *email.Message) error {
	raw, err := msg.Bytes()
	if err != nil {
		return err
	}

	client, err := s.dial()
	if err != nil {
		return err
	}
	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	defer func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				slog.Debug("imap logout failed", "error", err)
			}
		}
		_ = client.Close()
	}()

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		return fmt.Errorf("imap login failed: %w", err)
	}
	if err := s.ensureMailbox(client); err != nil {
		return err
	}
	if err := s.appendMessage(client, raw, msg); err != nil {
		return fmt.Errorf("failed to store copy of %s: %w", msg.MessageID, err)
	}

	slog.Debug("stored sent copy",
		"message_id", msg.MessageID,
		"folder", s.opts.Folder,
		"size", len(raw),
	)
	return nil
}

func (s *Saver) dial() (*imapclient.Client, error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}

	var (
		client *imapclient.Client
		err    error
	)
	if s.opts.TLS != nil {
		options.TLSConfig = s.opts.TLS
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}
	return client, nil
}

func (s *Saver) ensureMailbox(client *imapclient.Client) error {
	if err := client.Create(s.opts.Folder, nil).Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeAlreadyExists {
			return nil
		}
		return fmt.Errorf("ensure mailbox %s: %w", s.opts.Folder, err)
	}
	slog.Info("imap mailbox created", "mailbox", s.opts.Folder)
	return nil
}

func (s *Saver) appendMessage(client *imapclient.Client, raw []byte, msg *email.Message) error {
	opts := &imapv2.AppendOptions{Flags: []imapv2.Flag{imapv2.FlagSeen}}
	if !msg.SentDate.IsZero() {
		opts.Time = msg.SentDate
	}

	cmd := client.Append(s.opts.Folder, int64(len(raw)), opts)
	if _, err := cmd.Write(raw); err != nil {
		_ = cmd.Close()
		return fmt.Errorf("append write: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}
	return nil
}
