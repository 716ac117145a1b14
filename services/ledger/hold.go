package ledger

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"vpnhub/pkg/db/option"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// ReleaseExpiredHolds moves matured referral commissions from hold to withdrawal.
// Each transaction is released in its own database transaction, guarded by
// hold >= amount, so running the sweep twice never releases anything twice.
func (s *Service) ReleaseExpiredHolds(ctx context.Context, now time.Time) (*SweepResult, error) {
	now = now.UTC()
	log := zap.L().With(traceFields(ctx)...)

	var scanned, released, skipped atomic.Int64
	lastID := ""

	for {
		opts := []option.QueryOption{
			option.ApplyOperator(option.Condition{Field: "hold_expired_at", Operator: option.LTE, Value: now}),
			option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}),
			option.ApplyPagination(s.batchSize, 0),
		}
		if lastID != "" {
			opts = append(opts, option.ApplyOperator(option.Condition{Field: "id", Operator: option.GT, Value: lastID}))
		}

		batch, err := s.transactions.Find(ctx, &Transaction{IsHold: true}, opts...)
		if err != nil {
			log.Error("failed to load expired holds", zap.Error(err))
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		lastID = batch[len(batch)-1].ID
		scanned.Add(int64(len(batch)))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for _, txn := range batch {
			g.Go(func() error {
				ok, err := s.releaseHold(gctx, txn, now)
				if err != nil {
					return err
				}
				if ok {
					released.Add(1)
				} else {
					skipped.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			log.Error("hold release batch failed", zap.Error(err))
			return nil, err
		}

		if len(batch) < s.batchSize {
			break
		}
	}

	result := &SweepResult{Scanned: scanned.Load(), Released: released.Load(), Skipped: skipped.Load()}
	log.Info("hold release sweep finished",
		zap.Int64("scanned", result.Scanned),
		zap.Int64("released", result.Released),
		zap.Int64("skipped", result.Skipped),
	)
	return result, nil
}

// releaseHold reports false when the row was already released or the balance
// cannot cover it.
func (s *Service) releaseHold(ctx context.Context, txn *Transaction, now time.Time) (bool, error) {
	log := zap.L().With(
		zap.String("transaction_id", txn.ID),
		zap.String("balance_id", txn.BalanceID),
		zap.String("amount", txn.Amount.String()),
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Balance{}).
			Where("id = ? AND hold >= ?", txn.BalanceID, txn.Amount).
			Updates(map[string]any{
				"hold":       gorm.Expr("hold - ?", txn.Amount),
				"withdrawal": gorm.Expr("withdrawal + ?", txn.Amount),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			log.Warn("hold balance lower than release amount, skipping")
			return errSkip
		}

		res = tx.Model(&Transaction{}).
			Where("id = ? AND is_hold = ?", txn.ID, true).
			Update("is_hold", false)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			log.Warn("hold already released, skipping")
			return errSkip
		}

		_, err := s.record(ctx, tx, &Transaction{
			BalanceID:   txn.BalanceID,
			Amount:      txn.Amount,
			Direction:   DirectionPlus,
			Reason:      ReasonHoldRelease,
			BalanceType: BalanceWithdrawal,
			ReferenceID: txn.ID,
		}, now)
		return err
	})

	switch {
	case errors.Is(err, errSkip):
		holdsReleased.WithLabelValues("skipped").Inc()
		return false, nil
	case err != nil:
		holdsReleased.WithLabelValues("failed").Inc()
		return false, err
	}

	holdsReleased.WithLabelValues("released").Inc()
	return true, nil
}
