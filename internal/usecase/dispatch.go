package usecase

import (
	"context"
	"errors"
	"fmt"
	"net"
	"songflow/internal/domain"
	"songflow/internal/ports"
	"songflow/pkg/backoff"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Deliverer sends one payload to a lead.
type Deliverer interface {
	Deliver(ctx context.Context, leadID string, p domain.Payload) error
}

// Dispatcher turns payloads into gateway calls. It owns the per-call timeout
// and the retry of transient timeouts.
type Dispatcher struct {
	Leads       ports.LeadRepository
	Gateway     ports.Gateway
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Now         func() time.Time

	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(leads ports.LeadRepository, gw ports.Gateway, timeout time.Duration, maxRetries int) *Dispatcher {
	return &Dispatcher{
		Leads:       leads,
		Gateway:     gw,
		Timeout:     timeout,
		MaxRetries:  maxRetries,
		BaseBackoff: time.Second,
		MaxBackoff:  10 * time.Second,
		Now:         time.Now,
	}
}

var _ Deliverer = (*Dispatcher)(nil)

func (d *Dispatcher) Deliver(ctx context.Context, leadID string, p domain.Payload) error {
	lead, err := d.Leads.Get(ctx, leadID)
	if err != nil {
		return err
	}
	if lead == nil {
		return fmt.Errorf("%w: %s", domain.ErrLeadNotFound, leadID)
	}
	phone := Digits(lead.Phone)
	if phone == "" {
		return fmt.Errorf("%w: %s", domain.ErrMissingPhone, leadID)
	}

	sent, err := d.send(ctx, lead, phone, p)
	if err != nil || !sent {
		return err
	}

	now := d.Now()
	if err := d.Leads.UpdateHints(ctx, leadID, domain.LeadHints{LastMessageAt: &now}); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("lead", leadID).Msg("failed to update lead last message time")
	}
	return nil
}

// send reports false when the rendered payload was empty and nothing went
// out.
func (d *Dispatcher) send(ctx context.Context, lead *domain.Lead, phone string, p domain.Payload) (bool, error) {
	body := strings.TrimSpace(Render(p.Content, lead))

	switch domain.ParseKind(string(p.Kind)) {
	case domain.KindAudio, domain.KindClip:
		if body == "" {
			return false, fmt.Errorf("%w: empty audio url", domain.ErrInvalidInput)
		}
		return true, d.call(ctx, "send audio", func(ctx context.Context) error {
			return d.Gateway.SendAudio(ctx, phone, body)
		})

	case domain.KindImage, domain.KindVideo:
		if body == "" {
			return false, fmt.Errorf("%w: empty media url", domain.ErrInvalidInput)
		}
		if !d.Gateway.SupportsRichMedia() {
			return true, d.call(ctx, "send media link", func(ctx context.Context) error {
				return d.Gateway.SendText(ctx, phone, body)
			})
		}
		kind := domain.ParseKind(string(p.Kind))
		return true, d.call(ctx, "send media", func(ctx context.Context) error {
			return d.Gateway.SendMedia(ctx, phone, kind, body)
		})

	default:
		if body == "" {
			return false, nil
		}
		return true, d.call(ctx, "send text", func(ctx context.Context) error {
			return d.Gateway.SendText(ctx, phone, body)
		})
	}
}

func (d *Dispatcher) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= d.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff.ExponentialJitter(d.BaseBackoff, d.MaxBackoff, attempt)
			log.Ctx(ctx).Debug().Str("op", op).Int("attempt", attempt).Dur("wait", wait).Msg("retrying gateway call")
			if serr := d.wait(ctx, wait); serr != nil {
				break
			}
		}

		err = d.once(ctx, fn)
		if err == nil {
			return nil
		}
		if !isTimeout(err) || ctx.Err() != nil {
			break
		}
	}
	return domain.External(op, err)
}

func (d *Dispatcher) once(ctx context.Context, fn func(ctx context.Context) error) error {
	if d.Timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()
	return fn(cctx)
}

func (d *Dispatcher) wait(ctx context.Context, dur time.Duration) error {
	if d.sleep != nil {
		return d.sleep(ctx, dur)
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
