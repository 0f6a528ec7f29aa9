package notify

import (
	"context"
	"io"
	"log"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/easwatch/easwatch/internal/errors"
)

const pushSendTimeout = 10 * time.Second

// PushSender delivers notifications through shoutrrr service URLs. One
// router serves all configured URLs.
type PushSender struct {
	router *router.ServiceRouter
}

// NewPushSender validates the URLs by building the router. URLs carry
// credentials, so failures are wrapped without echoing the raw URL.
func NewPushSender(urls []string) (*PushSender, error) {
	if len(urls) == 0 {
		return nil, errors.Newf("at least one push URL is required").
			Component("notify").
			Category(errors.CategoryValidation).
			Build()
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, errors.New(err).
			Component("notify").
			Category(errors.CategoryNotification).
			Context("urls", len(urls)).
			Build()
	}
	sender.Timeout = pushSendTimeout
	sender.SetLogger(log.New(io.Discard, "", 0))
	return &PushSender{router: sender}, nil
}

// Send delivers message to every configured URL and returns the first
// failure.
func (p *PushSender) Send(ctx context.Context, title, message string) error {
	_ = ctx // the router enforces its own timeout

	params := stypes.Params{}
	if title != "" {
		params.SetTitle(title)
	}
	for _, err := range p.router.Send(message, &params) {
		if err != nil {
			return errors.New(err).
				Component("notify").
				Category(errors.CategoryNotification).
				Build()
		}
	}
	return nil
}
