// Package main is the entry point for the mailsend command.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/mailbuilder/internal/builder"
	"github.com/shineum/mailbuilder/internal/config"
	"github.com/shineum/mailbuilder/internal/provider"
	"github.com/shineum/mailbuilder/internal/provider/graph"
	"github.com/shineum/mailbuilder/internal/provider/ses"
	"github.com/shineum/mailbuilder/internal/provider/stdout"
	"github.com/shineum/mailbuilder/internal/sentcopy"
	mailtls "github.com/shineum/mailbuilder/internal/tls"
	"github.com/shineum/mailbuilder/internal/transport"
	"github.com/shineum/mailbuilder/internal/transport/gomail"
	"github.com/shineum/mailbuilder/internal/transport/gomessage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "mailsend",
		Short:         "Compose and send email over SMTP, SES or Microsoft Graph",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file (optional)")

	rootCmd.AddCommand(newSendCmd(&configPath), newResendCmd(&configPath))
	return rootCmd
}

// mailer pairs a configured builder with the optional sent-copy store.
type mailer struct {
	builder *builder.Builder
	sent    *sentcopy.Saver
}

// send delivers the builder's message and stores a copy when configured.
// A failed copy is logged; the message has already left.
func (m *mailer) send(ctx context.Context) (string, error) {
	id, err := m.builder.Send(ctx)
	if err != nil {
		return "", err
	}
	if m.sent != nil {
		if err := m.sent.Save(ctx, m.builder.MimeMessage()); err != nil {
			slog.Warn("failed to store sent copy",
				"message_id", id,
				"folder", m.sent.Folder(),
				"error", err,
			)
		}
	}
	return id, nil
}

// setup loads configuration, installs the logger and returns a mailer
// wired to the configured delivery path.
func setup(ctx context.Context, configPath string, out io.Writer) (*mailer, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogger(cfg.Logging.Level)

	lib, err := newLibrary(ctx, cfg, out)
	if err != nil {
		return nil, err
	}
	slog.Debug("mail library selected", "library", lib.Name())

	b, err := newBuilder(cfg, lib)
	if err != nil {
		return nil, err
	}
	sent, err := newSentCopy(cfg)
	if err != nil {
		return nil, err
	}
	return &mailer{builder: b, sent: sent}, nil
}

// newSentCopy returns nil when no IMAP account is configured.
func newSentCopy(cfg *config.Config) (*sentcopy.Saver, error) {
	if !cfg.SentCopyEnabled() {
		return nil, nil
	}

	opts := sentcopy.Options{
		Host:     cfg.IMAP.Host,
		Port:     cfg.IMAPPort(),
		Username: cfg.IMAP.Username,
		Password: cfg.IMAP.Password,
		Folder:   cfg.IMAP.Folder,
	}
	if cfg.IMAP.TLS {
		tlsConfig, err := mailtls.ClientConfig(cfg.IMAP.Host, cfg.TLS.CAFile, cfg.TLS.InsecureSkipVerify)
		if err != nil {
			return nil, fmt.Errorf("failed to setup IMAP TLS: %w", err)
		}
		opts.TLS = tlsConfig
	}

	s, err := sentcopy.New(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to configure sent copy: %w", err)
	}
	slog.Info("storing sent copies over IMAP",
		"host", opts.Host,
		"port", opts.Port,
		"folder", s.Folder(),
	)
	return s, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output on stderr
// and the specified log level. Stdout is left to command output.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// newLibrary returns the mail library for the configured provider. SMTP
// goes through go-mail; the API providers receive messages rendered by
// go-message.
func newLibrary(ctx context.Context, cfg *config.Config, out io.Writer) (transport.Library, error) {
	if cfg.Provider == config.ProviderSMTP {
		slog.Info("using SMTP delivery",
			"host", cfg.SMTP.Host,
			"auth_enabled", cfg.AuthEnabled(),
			"pop_before_smtp", cfg.POP.Enabled,
		)
		return gomail.New(), nil
	}

	prov, err := selectProvider(ctx, cfg, out)
	if err != nil {
		return nil, err
	}
	return gomessage.New(prov), nil
}

// selectProvider chooses the API delivery backend based on configuration.
func selectProvider(ctx context.Context, cfg *config.Config, out io.Writer) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderSES:
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderGraph:
		slog.Info("using Microsoft Graph provider",
			"sender", cfg.Graph.Sender,
		)
		return graph.New(graph.GraphProviderConfig{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}), nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.NewWithWriter(out, true), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// newBuilder returns a builder carrying the configured transport settings
// and message defaults.
func newBuilder(cfg *config.Config, lib transport.Library) (*builder.Builder, error) {
	b := builder.New(lib)

	b.SetHostName(cfg.SMTP.Host)
	if err := b.SetSmtpPort(cfg.SMTP.Port); err != nil {
		return nil, err
	}
	if err := b.SetSslSmtpPort(cfg.SMTP.SSLPort); err != nil {
		return nil, err
	}
	b.SetSSLOnConnect(cfg.SMTP.SSLOnConnect)
	b.SetStartTLSEnabled(cfg.SMTP.StartTLS)
	if cfg.SMTP.StartTLSRequired {
		b.SetStartTLSRequired(true)
	}
	if cfg.AuthEnabled() {
		b.SetAuthentication(cfg.SMTP.Username, cfg.SMTP.Password)
	}
	if err := b.SetSocketConnectionTimeout(cfg.SMTP.ConnectTimeout); err != nil {
		return nil, err
	}
	if err := b.SetSocketTimeout(cfg.SMTP.Timeout); err != nil {
		return nil, err
	}

	if cfg.SMTP.SSLOnConnect || cfg.SMTP.StartTLS || cfg.TLS.CAFile != "" || cfg.TLS.InsecureSkipVerify {
		tlsConfig, err := mailtls.ClientConfig(cfg.SMTP.Host, cfg.TLS.CAFile, cfg.TLS.InsecureSkipVerify)
		if err != nil {
			return nil, fmt.Errorf("failed to setup TLS: %w", err)
		}
		b.SetTLSConfig(tlsConfig)
	}

	if cfg.POP.Enabled {
		b.SetPopBeforeSmtp(true, cfg.POP.Host, cfg.POP.Username, cfg.POP.Password)
		if cfg.POP.TLS {
			popTLS, err := mailtls.ClientConfig(cfg.POP.Host, cfg.TLS.CAFile, cfg.TLS.InsecureSkipVerify)
			if err != nil {
				return nil, fmt.Errorf("failed to setup POP TLS: %w", err)
			}
			b.SetPopTLSConfig(popTLS)
		}
	}

	if cfg.Mail.From != "" {
		if err := b.SetFrom(cfg.Mail.From); err != nil {
			return nil, fmt.Errorf("invalid MAIL_FROM: %w", err)
		}
	}
	if cfg.Mail.BounceAddress != "" {
		if err := b.SetBounceAddress(cfg.Mail.BounceAddress); err != nil {
			return nil, fmt.Errorf("invalid MAIL_BOUNCE_ADDRESS: %w", err)
		}
	}
	b.SetCharset(cfg.Mail.Charset)

	return b, nil
}
