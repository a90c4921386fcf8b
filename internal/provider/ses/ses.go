// Package ses implements a Provider that sends built messages via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/mailbuilder/internal/email"
	"github.com/shineum/mailbuilder/internal/provider"
)

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Sender overrides the envelope sender. When empty the message's own
	// envelope sender is used.
	Sender string
}

// SESProvider sends raw MIME messages via the AWS SES v2 API.
type SESProvider struct {
	sender string
	client SendEmailAPI
	retry  provider.Backoff
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *SESProvider {
	return &SESProvider{
		sender: sender,
		client: client,
		retry:  provider.DefaultBackoff(),
	}
}

// Send delivers the rendered message as SES raw content. The destination
// list carries Bcc recipients, which are absent from the rendered headers.
func (s *SESProvider) Send(ctx context.Context, msg *email.Message) error {
	raw, err := msg.Bytes()
	if err != nil {
		return err
	}

	from := s.sender
	if from == "" {
		from = msg.EnvelopeFrom()
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      buildDestination(msg),
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: raw,
			},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= s.retry.Retries; attempt++ {
		if attempt > 0 {
			delay := s.retry.Delay(attempt - 1)
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"delay", delay,
			)
			if err := provider.Wait(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		out, err := s.client.SendEmail(ctx, input)
		if err == nil {
			slog.Debug("SES accepted message",
				"message_id", msg.MessageID,
				"ses_message_id", aws.ToString(out.MessageId),
			)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if rejected(err) {
			return fmt.Errorf("SES rejected message %s: %w", msg.MessageID, err)
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", s.retry.Retries, lastErr)
}

// rejected reports client faults such as MessageRejected or an unverified
// sender. Throttling is a client fault too but is worth retrying.
func rejected(err error) bool {
	var throttled *types.TooManyRequestsException
	if errors.As(err, &throttled) {
		return false
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return "ses"
}

func buildDestination(msg *email.Message) *types.Destination {
	return &types.Destination{
		ToAddresses:  addresses(msg.To),
		CcAddresses:  addresses(msg.Cc),
		BccAddresses: addresses(msg.Bcc),
	}
}

func addresses(list []email.Address) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}
