package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Mailer is implemented by email.Service.
type Mailer interface {
	IsConfigured() bool
	SendNotificationEmail(to, title, body, link string) error
}

// AddressBook resolves member ids to email addresses, keeping only members who
// enabled email notifications.
type AddressBook func(ctx context.Context, memberIDs []string) (map[string]string, error)

type EmailChannel struct {
	mailer     Mailer
	addresses  AddressBook
	maxRetries uint64
	interval   time.Duration
}

func NewEmailChannel(mailer Mailer, addresses AddressBook) *EmailChannel {
	return &EmailChannel{mailer: mailer, addresses: addresses, maxRetries: 3, interval: 200 * time.Millisecond}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Deliver(ctx context.Context, payload Payload, memberIDs []string) error {
	if c.mailer == nil || !c.mailer.IsConfigured() {
		return nil
	}
	recipients, err := c.addresses(ctx, memberIDs)
	if err != nil {
		return fmt.Errorf("resolve email addresses: %w", err)
	}
	var failed int
	for _, memberID := range memberIDs {
		address, ok := recipients[memberID]
		if !ok || address == "" {
			continue
		}
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(c.interval), c.maxRetries),
			ctx,
		)
		send := func() error {
			return c.mailer.SendNotificationEmail(address, payload.Title, payload.Body, payload.Link)
		}
		if err := backoff.Retry(send, policy); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("email delivery failed for %d recipients", failed)
	}
	return nil
}
