// Package provider defines the interface for delivery backends that accept
// fully rendered messages.
package provider

import (
	"context"

	"github.com/shineum/mailbuilder/internal/email"
)

// Provider is the interface that delivery backends must implement.
// Each provider takes a built message, renders it with msg.Bytes when it
// needs the wire form, and hands it to the target service (stdout, AWS SES,
// Microsoft Graph).
type Provider interface {
	// Send delivers a built message through this provider.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this provider.
	Name() string
}
