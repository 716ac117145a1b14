package notify

import (
	"context"
	"errors"
	"fmt"

	"vpnhub/services/ledger"
)

const (
	receiptText    = "Payment %s completed: %s stars credited to your balance."
	commissionText = "Referral reward: +%s stars from a level %d friend's payment. Available after %s."
	bonusText      = "Invite bonus: +%s stars for your friend's first payment."
)

// InviterNotifier tells every inviter in the cascade what they earned.
type InviterNotifier struct {
	sender Sender
}

func NewInviterNotifier(sender Sender) *InviterNotifier {
	return &InviterNotifier{sender: sender}
}

func (n *InviterNotifier) Name() string { return "notify.inviters" }

func (n *InviterNotifier) AfterPaymentCompleted(ctx context.Context, evt ledger.CompletedEvent) error {
	var errs []error
	for _, c := range evt.Commissions {
		if c.InviterTelegramID == 0 {
			continue
		}
		if c.Bonus.IsPositive() {
			if err := n.sender.Send(ctx, c.InviterTelegramID, fmt.Sprintf(bonusText, c.Bonus.StringFixed(3))); err != nil {
				errs = append(errs, err)
			}
		}
		if c.Amount.IsPositive() {
			msg := fmt.Sprintf(commissionText, c.Amount.StringFixed(3), c.Level, c.HoldExpiredAt.Format("2006-01-02"))
			if err := n.sender.Send(ctx, c.InviterTelegramID, msg); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

type PayerReceipt struct {
	sender Sender
}

func NewPayerReceipt(sender Sender) *PayerReceipt {
	return &PayerReceipt{sender: sender}
}

func (r *PayerReceipt) Name() string { return "notify.receipt" }

func (r *PayerReceipt) AfterPaymentCompleted(ctx context.Context, evt ledger.CompletedEvent) error {
	if evt.TelegramID == 0 {
		return nil
	}
	return r.sender.Send(ctx, evt.TelegramID, fmt.Sprintf(receiptText, evt.Token, evt.Amount.StringFixed(3)))
}

// LedgerEvents publishes every completed payment keyed by user id.
type LedgerEvents struct {
	publisher EventPublisher
}

func NewLedgerEvents(publisher EventPublisher) *LedgerEvents {
	return &LedgerEvents{publisher: publisher}
}

func (e *LedgerEvents) Name() string { return "notify.events" }

func (e *LedgerEvents) AfterPaymentCompleted(ctx context.Context, evt ledger.CompletedEvent) error {
	return e.publisher.Publish(ctx, evt.UserID, evt)
}
