// Package notify forwards selected ledger events to operator chat channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/alanyoungcy/infusion/internal/domain"
)

// Sender delivers one message to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans ledger events out to every Sender, skipping kinds that are not
// in its allow list.
type Notifier struct {
	senders []Sender
	kinds   map[domain.EventKind]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty kinds list allows every kind.
func NewNotifier(senders []Sender, kinds []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventKind]bool, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			allowed[domain.EventKind(k)] = true
		}
	}
	return &Notifier{
		senders: senders,
		kinds:   allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Wants reports whether events of kind are forwarded.
func (n *Notifier) Wants(kind domain.EventKind) bool {
	if len(n.senders) == 0 {
		return false
	}
	return len(n.kinds) == 0 || n.kinds[kind]
}

// Notify sends ev to every sender. Failures of individual senders are joined;
// one failing sender does not stop delivery to the rest.
func (n *Notifier) Notify(ctx context.Context, ev domain.Event) error {
	if !n.Wants(ev.Kind) {
		return nil
	}
	title, body := Format(ev)

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, body); err != nil {
			n.logger.WarnContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}

// Format renders ev as a title and a short body.
func Format(ev domain.Event) (title, body string) {
	var b strings.Builder
	switch ev.Kind {
	case domain.EventPositionCreated:
		title = fmt.Sprintf("Position %s minted", ev.PositionID)
		fmt.Fprintf(&b, "owner %s\ninfused %s", ev.To.Hex(), amount(ev.Amount))
	case domain.EventPositionTransferred:
		title = fmt.Sprintf("Position %s transferred", ev.PositionID)
		fmt.Fprintf(&b, "%s -> %s", ev.From.Hex(), ev.To.Hex())
	case domain.EventPositionDestroyed:
		title = fmt.Sprintf("Position %s burned", ev.PositionID)
		fmt.Fprintf(&b, "owner %s", ev.From.Hex())
	case domain.EventDepositRecorded:
		title = fmt.Sprintf("Position %s staked", ev.PositionID)
		fmt.Fprintf(&b, "vault %s\namount %s\nshares %s", ev.Vault.Hex(), amount(ev.Amount), amount(ev.Shares))
	case domain.EventWithdrawalRecorded:
		title = fmt.Sprintf("Position %s redeemed", ev.PositionID)
		fmt.Fprintf(&b, "vault %s\nreturned %s to %s\nshares %s", ev.Vault.Hex(), amount(ev.Amount), ev.To.Hex(), amount(ev.Shares))
	case domain.EventYieldHarvested:
		title = "Yield harvested"
		fmt.Fprintf(&b, "vault %s\namount %s", ev.Vault.Hex(), amount(ev.Amount))
	default:
		title = string(ev.Kind)
	}
	return title, b.String()
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
