package taskname

const (
	// Ledger tasks
	LedgerHoldRelease = "ledger:hold:release"

	// Payment tasks
	PaymentTimeoutSweep = "payment:timeout:sweep"
)
