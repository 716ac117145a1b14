package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"vpnhub/pkg/config"
	"vpnhub/pkg/db"
	"vpnhub/pkg/gen"
	"vpnhub/pkg/logger"
	"vpnhub/pkg/otelcol"
	"vpnhub/pkg/redis"
	"vpnhub/pkg/sequence"
	"vpnhub/pkg/task"
	"vpnhub/services/ledger"
	"vpnhub/services/payment"
	sweeps "vpnhub/services/task"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		task.Client,
		task.Server,
		ledger.Module,
		payment.Module,
		sweeps.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
