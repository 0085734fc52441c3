// Package sink delivers one message to one destination URL.
//
// The production implementation wraps shoutrrr, which understands
// apprise-style service URLs (telegram://, discord://, smtp://, generic://
// webhooks, ...). The scheduler only sees the Sink interface.
package sink

import (
	"context"
	"errors"

	"github.com/containrrr/shoutrrr"
	"github.com/containrrr/shoutrrr/pkg/types"
)

type Sink interface {
	// Send delivers body (with title, where the service supports one) to
	// the destination URL. It returns when delivery finished or ctx ended.
	Send(ctx context.Context, destinationURL, title, body string) error
	// Validate reports whether the URL parses as a known service.
	// Called at endpoint-write time, never during a tick.
	Validate(destinationURL string) error
}

// Shoutrrr sends through github.com/containrrr/shoutrrr.
type Shoutrrr struct{}

func NewShoutrrr() *Shoutrrr { return &Shoutrrr{} }

func (s *Shoutrrr) Validate(destinationURL string) error {
	_, err := shoutrrr.CreateSender(destinationURL)
	return err
}

func (s *Shoutrrr) Send(ctx context.Context, destinationURL, title, body string) error {
	sender, err := shoutrrr.CreateSender(destinationURL)
	if err != nil {
		return err
	}

	// shoutrrr's Send is synchronous with its own transport timeouts; the
	// goroutine keeps the caller's ctx deadline authoritative.
	done := make(chan error, 1)
	go func() {
		params := types.Params{"title": title}
		done <- errors.Join(sender.Send(body, &params)...)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
