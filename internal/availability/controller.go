// Package availability is the Availability Controller: pure state-transition
// rules layered on top of the Credential Registry.
package availability

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaynine/chatrelay/internal/credential"
	"github.com/relaynine/chatrelay/internal/events"
)

const insufficientBalanceThreshold = 1.0
const errorCountThreshold = 3

// Refresher is notified when a credential's availability may have changed,
// so the Key Selector can reload its cached list. Modelled as an event
// rather than a polled scan (§9).
type Refresher interface {
	Refresh()
}

// Controller applies §4.3's policy to a Registry.
type Controller struct {
	registry  *credential.Registry
	refresher Refresher
	bus       *events.Bus
}

func NewController(r *credential.Registry, refresher Refresher, bus *events.Bus) *Controller {
	return &Controller{registry: r, refresher: refresher, bus: bus}
}

// OnSuccess clears error state. If the credential was previously status=error
// it is also re-enabled and the Selector is told to refresh.
func (c *Controller) OnSuccess(ctx context.Context, id string) error {
	cred, err := c.registry.Get(ctx, id)
	if err != nil {
		return err
	}

	wasError := cred.Status == credential.StatusError
	if err := c.registry.SetStatus(ctx, id, credential.StatusActive, ""); err != nil {
		return err
	}

	if wasError {
		if err := c.registry.SetAvailability(ctx, id, true); err != nil {
			return err
		}
		c.refresher.Refresh()
		c.bus.Publish(events.Event{Type: events.EventCredentialRevived, CredentialID: id, Message: "restored after success"})
	}
	return nil
}

// OnFailure increments the error count and records the error text.
func (c *Controller) OnFailure(ctx context.Context, id, errText string) error {
	return c.registry.SetStatus(ctx, id, credential.StatusError, errText)
}

// OnBalanceProbe applies the post-failure demotion rule: balance < 1.0 after
// a failure demotes the credential to insufficient/unavailable.
func (c *Controller) OnBalanceProbe(ctx context.Context, id string, balance float64) error {
	if err := c.registry.SetBalance(ctx, id, balance); err != nil {
		return err
	}
	if balance < insufficientBalanceThreshold {
		if err := c.registry.SetStatus(ctx, id, credential.StatusInsufficient, ""); err != nil {
			return err
		}
		if err := c.registry.SetAvailability(ctx, id, false); err != nil {
			return err
		}
		c.refresher.Refresh()
		c.bus.Publish(events.Event{Type: events.EventCredentialDemoted, CredentialID: id, Message: "balance below threshold"})
	}
	return nil
}

// Recheck applies the periodic re-check rule (§4.3): a credential becomes
// unavailable iff error_count >= 3 AND known balance < 1.0. Demote-only — it
// never flips availability back to true. Rehabilitation outside of that is
// exclusively the Request Engine's one-shot next-success-elsewhere path
// (Rehabilitate); a background sweep that also promoted would re-enable a
// credential scenario §9 says must stay demoted (§14).
func (c *Controller) Recheck(ctx context.Context, id string) error {
	cred, err := c.registry.Get(ctx, id)
	if err != nil {
		return err
	}

	if !cred.Availability {
		return nil
	}

	lowBalance := cred.BalanceKnown && cred.Balance < insufficientBalanceThreshold
	shouldBeUnavailable := cred.ErrorCount >= errorCountThreshold && lowBalance
	if !shouldBeUnavailable {
		return nil
	}

	if err := c.registry.SetAvailability(ctx, id, false); err != nil {
		return err
	}
	c.refresher.Refresh()
	c.bus.Publish(events.Event{Type: events.EventCredentialDemoted, CredentialID: id, Message: "periodic recheck demotion"})
	return nil
}

// Rehabilitate applies §4.7's one-shot rehabilitation rule: after a
// subsequent credential succeeds elsewhere, the Request Engine probes the
// previously-failing credential's balance once. A recovered balance restores
// it fully; otherwise it stays demoted and only the refreshed balance is
// recorded.
func (c *Controller) Rehabilitate(ctx context.Context, id string, balance float64) error {
	if err := c.registry.SetBalance(ctx, id, balance); err != nil {
		return err
	}
	if balance < insufficientBalanceThreshold {
		return nil
	}
	if err := c.registry.SetStatus(ctx, id, credential.StatusActive, ""); err != nil {
		return err
	}
	if err := c.registry.SetAvailability(ctx, id, true); err != nil {
		return err
	}
	c.refresher.Refresh()
	c.bus.Publish(events.Event{Type: events.EventCredentialRevived, CredentialID: id, Message: "restored after rehabilitation probe"})
	return nil
}

// ToggleManual is the admin "toggle availability" operation: on a credential
// with status=error, resets it to active and available.
func (c *Controller) ToggleManual(ctx context.Context, id string) error {
	cred, err := c.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if cred.Status != credential.StatusError {
		return c.registry.SetAvailability(ctx, id, !cred.Availability)
	}
	if err := c.registry.SetStatus(ctx, id, credential.StatusActive, ""); err != nil {
		return err
	}
	if err := c.registry.SetAvailability(ctx, id, true); err != nil {
		return err
	}
	c.refresher.Refresh()
	return nil
}

// RunCleanup periodically re-applies Recheck to every credential, shaped
// after ratelimit.Manager.RunCleanup. It only ever demotes; a credential
// whose balance recovers out-of-band waits for the Engine's
// next-success-elsewhere path to be restored, not this sweep.
func (c *Controller) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

func (c *Controller) cleanup(ctx context.Context) {
	creds, err := c.registry.List(ctx)
	if err != nil {
		slog.Error("availability cleanup: list credentials", "error", err)
		return
	}
	for _, cred := range creds {
		if err := c.Recheck(ctx, cred.ID); err != nil {
			slog.Error("availability cleanup: recheck", "credential", cred.ID, "error", err)
		}
	}
}
