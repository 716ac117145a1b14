package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"vpnhub/internal/httpapi"
	"vpnhub/pkg/config"
	"vpnhub/pkg/db"
	"vpnhub/pkg/gen"
	"vpnhub/pkg/health"
	opsapi "vpnhub/pkg/httpapi"
	"vpnhub/pkg/logger"
	"vpnhub/pkg/otelcol"
	"vpnhub/pkg/profiling"
	"vpnhub/pkg/redis"
	"vpnhub/pkg/sequence"
	"vpnhub/pkg/server"
	"vpnhub/services/idempotency"
	"vpnhub/services/ledger"
	"vpnhub/services/notify"
	"vpnhub/services/payment"
	"vpnhub/services/referral"
	"vpnhub/services/reward"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		health.Module,
		idempotency.Module,
		ledger.Module,
		payment.Module,
		referral.Module,
		reward.Module,
		notify.Module,
		server.ProvideHTTPServer,
		opsapi.Module,
		httpapi.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})
