package notify

import (
	"vpnhub/services/ledger"

	"go.uber.org/fx"
)

var Module = fx.Module("notify",
	fx.Provide(NewSender, NewPublisher),
	fx.Provide(
		asLedgerHook(NewInviterNotifier),
		asLedgerHook(NewPayerReceipt),
		asLedgerHook(NewLedgerEvents),
	),
)

func asLedgerHook(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(ledger.PostCommitHook)),
		fx.ResultTags(`group:"ledger.hooks"`),
	)
}
