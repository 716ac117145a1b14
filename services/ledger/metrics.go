package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	paymentsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_payments_completed_total",
		Help: "Payments moved from PENDING to COMPLETED.",
	})
	commissionsPaid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_referral_commissions_total",
		Help: "Referral commissions credited to hold, by level.",
	}, []string{"level"})
	holdsReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_hold_release_total",
		Help: "Hold release attempts by outcome.",
	}, []string{"outcome"})
	hookFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_post_commit_hook_failures_total",
		Help: "Post-commit hook failures by hook.",
	}, []string{"hook"})
)
