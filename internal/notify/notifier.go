// Package notify delivers trading events to chat channels. Events are
// filtered by kind, formatted and dispatched to every registered sender
// in the background so a slow channel never stalls trading.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// DefaultTimeout bounds a single background dispatch.
const DefaultTimeout = 10 * time.Second

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// EventSender is a Sender that renders events itself instead of receiving
// the plain-text Format output.
type EventSender interface {
	Sender
	SendEvent(ctx context.Context, evt domain.Event) error
}

// Notifier is a domain.EventSink that forwards events to Senders. Only
// events whose kind is in the allowed set are forwarded; an empty set
// allows every kind.
type Notifier struct {
	senders []Sender
	events  map[domain.EventKind]bool
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewNotifier creates a Notifier that delivers to the given senders.
func NewNotifier(senders []Sender, events []string, timeout time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventKind]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventKind(strings.ToLower(e))] = true
		}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// HandleEvent implements domain.EventSink. It returns immediately.
func (n *Notifier) HandleEvent(ctx context.Context, evt domain.Event) {
	if len(n.senders) == 0 {
		return
	}
	if len(n.events) > 0 && !n.events[evt.Kind] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", string(evt.Kind)))
		return
	}
	title, message := Format(evt)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()
		_ = n.dispatch(sendCtx, title, func(s Sender) error {
			if es, ok := s.(EventSender); ok {
				return es.SendEvent(sendCtx, evt)
			}
			return s.Send(sendCtx, title, message)
		})
	}()
}

// Send delivers a free-form message to every sender synchronously,
// bypassing the kind filter. Used for lifecycle notices.
func (n *Notifier) Send(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, func(s Sender) error {
		return s.Send(ctx, title, message)
	})
}

// Wait blocks until every background dispatch has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// dispatch sends to every sender. A single sender failure does not prevent
// delivery to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, title string, send func(Sender) error) error {
	var errs []string
	for _, s := range n.senders {
		if err := send(s); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Format renders an event as a title and a plain-text body.
func Format(evt domain.Event) (string, string) {
	var title string
	switch evt.Kind {
	case domain.EventOpen:
		title = fmt.Sprintf("Opened %s %s", evt.Side, evt.Symbol)
	case domain.EventTP:
		title = fmt.Sprintf("Take profit %s", evt.Symbol)
	case domain.EventSL:
		title = fmt.Sprintf("Stop loss %s", evt.Symbol)
	default:
		title = fmt.Sprintf("Closed %s %s", evt.Side, evt.Symbol)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "price: %g\nqty: %g", evt.Price, evt.Qty)
	if evt.Kind != domain.EventOpen {
		fmt.Fprintf(&b, "\npnl: %.4f", evt.PnL)
	}
	if evt.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", evt.Reason)
	}
	if !evt.At.IsZero() {
		fmt.Fprintf(&b, "\nat: %s", evt.At.UTC().Format(time.RFC3339))
	}
	return title, b.String()
}
