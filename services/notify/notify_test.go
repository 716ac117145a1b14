package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"vpnhub/pkg/config"
	"vpnhub/services/ledger"
	"vpnhub/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func completedEvent() ledger.CompletedEvent {
	hold := time.Date(2024, 3, 22, 12, 0, 0, 0, time.UTC)
	return ledger.CompletedEvent{
		PaymentID:  "1",
		Token:      "PAY-240301-001",
		UserID:     "payer",
		TelegramID: 200,
		Amount:     decimal.NewFromInt(100),
		Commissions: []ledger.Commission{
			{InviterID: "a", InviterTelegramID: 101, Level: 1, Amount: decimal.NewFromInt(10), Bonus: decimal.NewFromInt(10), HoldExpiredAt: hold},
			{InviterID: "b", InviterTelegramID: 0, Level: 2, Amount: decimal.NewFromInt(5), HoldExpiredAt: hold},
			{InviterID: "c", InviterTelegramID: 103, Level: 3, Amount: decimal.RequireFromString("2"), HoldExpiredAt: hold},
		},
		CompletedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestInviterNotifier(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := NewMockSender(ctrl)

	gomock.InOrder(
		sender.EXPECT().Send(gomock.Any(), int64(101), "Invite bonus: +10.000 stars for your friend's first payment.").Return(nil),
		sender.EXPECT().Send(gomock.Any(), int64(101), gomock.Cond(func(x any) bool {
			text, _ := x.(string)
			return strings.Contains(text, "+10.000 stars from a level 1") && strings.Contains(text, "2024-03-22")
		})).Return(nil),
		sender.EXPECT().Send(gomock.Any(), int64(103), gomock.Any()).Return(errors.New("blocked by user")),
	)

	err := NewInviterNotifier(sender).AfterPaymentCompleted(context.Background(), completedEvent())
	require.ErrorContains(t, err, "blocked by user")
}

func TestPayerReceipt(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := NewMockSender(ctrl)
	sender.EXPECT().
		Send(gomock.Any(), int64(200), "Payment PAY-240301-001 completed: 100.000 stars credited to your balance.").
		Return(nil)

	hook := NewPayerReceipt(sender)
	require.NoError(t, hook.AfterPaymentCompleted(context.Background(), completedEvent()))

	evt := completedEvent()
	evt.TelegramID = 0
	require.NoError(t, hook.AfterPaymentCompleted(context.Background(), evt))
}

func TestLedgerEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := NewMockEventPublisher(ctrl)
	evt := completedEvent()
	publisher.EXPECT().Publish(gomock.Any(), "payer", evt).Return(nil)

	require.NoError(t, NewLedgerEvents(publisher).AfterPaymentCompleted(context.Background(), evt))
}

func TestDefaultsWithoutCredentials(t *testing.T) {
	cfg := &config.Config{}
	require.IsType(t, NopSender{}, NewSender(cfg))
	require.NoError(t, NopSender{}.Send(context.Background(), 1, "hi"))
	require.NoError(t, NopPublisher{}.Publish(context.Background(), "k", nil))

	require.Equal(t, []string{"a:9092", "b:9092"}, splitBrokers(" a:9092, ,b:9092"))
	require.Empty(t, splitBrokers(""))

	_, err := NewKafkaPublisher(nil, "ledger.events")
	require.Error(t, err)
	_, err = NewKafkaPublisher([]string{"a:9092"}, "")
	require.Error(t, err)
}

func TestHooksRunAfterLedgerCommit(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := NewMockSender(ctrl)
	publisher := NewMockEventPublisher(ctrl)

	db := testutil.NewTestDB(t, ledger.Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	inviter := &ledger.User{ID: "inviter", TelegramID: 101, ReferralKey: "inv"}
	payer := &ledger.User{ID: "payer", TelegramID: 200, ReferralKey: "pay"}
	require.NoError(t, db.Create(inviter).Error)
	require.NoError(t, db.Create(payer).Error)
	require.NoError(t, db.Create(&ledger.Referral{ID: "edge", InviterID: inviter.ID, ReferralID: payer.ID, Level: 1}).Error)
	require.NoError(t, db.Create(&ledger.Payment{
		ID:          "p1",
		Token:       "PAY-1",
		UserID:      payer.ID,
		Status:      ledger.PaymentPending,
		AmountStars: decimal.NewFromInt(100),
	}).Error)

	sender.EXPECT().Send(gomock.Any(), int64(101), gomock.Any()).Return(nil).Times(2)
	sender.EXPECT().Send(gomock.Any(), int64(200), gomock.Any()).Return(errors.New("telegram down"))
	publisher.EXPECT().Publish(gomock.Any(), payer.ID, gomock.AssignableToTypeOf(ledger.CompletedEvent{})).Return(nil)

	svc := ledger.NewService(ledger.ServiceParams{
		DB:       db,
		Node:     node,
		Settings: ledger.StaticSettings(ledger.DefaultSettings(21)),
		Hooks: []ledger.PostCommitHook{
			NewPayerReceipt(sender),
			NewInviterNotifier(sender),
			NewLedgerEvents(publisher),
		},
	})

	res, err := svc.CompletePayment(context.Background(), "PAY-1")
	require.NoError(t, err)
	require.False(t, res.AlreadyCompleted)
	require.Len(t, res.Commissions, 1)
	svc.WaitHooks()
}
