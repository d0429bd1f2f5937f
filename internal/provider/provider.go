package provider

import (
	"context"
)

// Provider hands one fully composed email to a mail transport. A non-nil
// error means the message was not accepted.
type Provider interface {
	SendEmail(ctx context.Context, from, to, content string) error
}
