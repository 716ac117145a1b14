package task

import (
	"vpnhub/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("task.service",
	fx.Provide(
		NewService,
		NewScheduler,
	),
	fx.Invoke(
		RegisterHandlers,
		StartScheduler,
	),
)

func RegisterHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.LedgerHoldRelease, svc.HandleHoldRelease)
	mux.HandleFunc(taskname.PaymentTimeoutSweep, svc.HandlePaymentTimeout)
}
