// Package statetransfer moves cache entries and in-flight transaction locks between members when
// segment ownership changes.
package statetransfer

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// exclusiveWeight is larger than any realistic number of concurrent shared holders
const exclusiveWeight = 1 << 40

// TransferLock has two independent shared/exclusive pairs. The commands pair is held shared by
// executing write commands and exclusively by the brief topology installation window. The
// transactions pair guards copying the transaction table for migration. Waiting exclusive holders
// block new shared holders, so a blocking window cannot starve.
type TransferLock struct {
	commands     *semaphore.Weighted
	transactions *semaphore.Weighted
	inProgress   atomic.Bool
}

// NewTransferLock creates an unlocked TransferLock
func NewTransferLock() *TransferLock {
	return &TransferLock{
		commands:     semaphore.NewWeighted(exclusiveWeight),
		transactions: semaphore.NewWeighted(exclusiveWeight),
	}
}

func (l *TransferLock) AcquireCommandsShared(ctx context.Context) error {
	return l.commands.Acquire(ctx, 1)
}

func (l *TransferLock) ReleaseCommandsShared() {
	l.commands.Release(1)
}

// AcquireCommandsExclusive waits for every running command to finish and holds new ones back.
// It fails only when ctx is done first.
func (l *TransferLock) AcquireCommandsExclusive(ctx context.Context) error {
	return l.commands.Acquire(ctx, exclusiveWeight)
}

func (l *TransferLock) ReleaseCommandsExclusive() {
	l.commands.Release(exclusiveWeight)
}

func (l *TransferLock) AcquireTransactionsShared(ctx context.Context) error {
	return l.transactions.Acquire(ctx, 1)
}

func (l *TransferLock) ReleaseTransactionsShared() {
	l.transactions.Release(1)
}

func (l *TransferLock) AcquireTransactionsExclusive(ctx context.Context) error {
	return l.transactions.Acquire(ctx, exclusiveWeight)
}

func (l *TransferLock) ReleaseTransactionsExclusive() {
	l.transactions.Release(exclusiveWeight)
}

// SetStateTransferInProgress sets the diagnostic in-progress flag. Nothing is gated on it.
func (l *TransferLock) SetStateTransferInProgress(v bool) {
	l.inProgress.Store(v)
}

func (l *TransferLock) IsStateTransferInProgress() bool {
	return l.inProgress.Load()
}
