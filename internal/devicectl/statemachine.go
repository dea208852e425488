package devicectl

import (
	"log/slog"
	"time"
)

// retryEntity is the minimal surface statemachine.go needs from an entity
// to drive its retry timer generically over both ManagedDevice/
// ManagedBridge and BridgeMember (SPEC_FULL.md Part A §4.4, design note
// "Retry + timer coupling": transition functions operate on a slot of
// {state, attempts, timer} regardless of what owns the slot).
type retryEntity interface {
	label() string
	syncState() SyncState
	setSyncState(SyncState)
	retryCount() int
	setRetryCount(int)
	timer() *time.Timer
	setTimer(*time.Timer)
	cancelPending()
	setQuarantined()
}

func (d *ManagedDevice) label() string            { return d.Name }
func (d *ManagedDevice) syncState() SyncState      { return d.Sync }
func (d *ManagedDevice) setSyncState(s SyncState)  { d.Sync = s }
func (d *ManagedDevice) retryCount() int           { return d.RetryCount }
func (d *ManagedDevice) setRetryCount(n int)       { d.RetryCount = n }
func (d *ManagedDevice) timer() *time.Timer        { return d.retryTimer }
func (d *ManagedDevice) setTimer(t *time.Timer)    { d.retryTimer = t }
func (d *ManagedDevice) setQuarantined()           { d.quarantined = true }
func (d *ManagedDevice) cancelPending() {
	if d.pending != nil {
		d.pending.Cancel()
		d.pending = nil
	}
}

func (m *BridgeMember) label() string           { return m.Parent.Name + "." + m.Name }
func (m *BridgeMember) syncState() SyncState     { return m.Sync }
func (m *BridgeMember) setSyncState(s SyncState) { m.Sync = s }
func (m *BridgeMember) retryCount() int          { return m.RetryCount }
func (m *BridgeMember) setRetryCount(n int)      { m.RetryCount = n }
func (m *BridgeMember) timer() *time.Timer       { return m.retryTimer }
func (m *BridgeMember) setTimer(t *time.Timer)   { m.retryTimer = t }
func (m *BridgeMember) setQuarantined()          { m.quarantined = true }
func (m *BridgeMember) cancelPending() {
	if m.pending != nil {
		m.pending.Cancel()
		m.pending = nil
	}
}

// armRetryTimer cancels any existing timer on e and starts a fresh
// single-shot TimeoutMS timer that invokes fire on expiry.
func armRetryTimer(e retryEntity, fire func()) {
	if t := e.timer(); t != nil {
		t.Stop()
	}
	e.setTimer(time.AfterFunc(TimeoutMS, fire))
}

// cancelRetryTimer stops e's retry timer, if any.
func cancelRetryTimer(e retryEntity) {
	if t := e.timer(); t != nil {
		t.Stop()
		e.setTimer(nil)
	}
}

// enterSynchronized transitions e to Synchronized, cancelling its retry
// timer and resetting its retry count (invariant 5: no retry timer is
// armed while sync == Synchronized).
func enterSynchronized(e retryEntity) {
	e.setSyncState(Synchronized)
	e.setRetryCount(0)
	cancelRetryTimer(e)
}

// retryTick is invoked when an entity's retry timer fires. It increments
// the retry counter; past MaxRetries it logs a critical failure and stops
// (invariant 6), otherwise it calls reinvoke to resend the pending
// request and rearms the timer.
func retryTick(e retryEntity, logger *slog.Logger, reinvoke func() error) {
	if e.syncState() == Synchronized {
		// Notification must have raced the timer; nothing to do.
		return
	}
	n := e.retryCount() + 1
	e.setRetryCount(n)

	// Quarantine fires on the tick after retry_count reaches MaxRetries
	// (n == MaxRetries+1, i.e. 4 total ticks), matching §4.6/scenario 3's
	// worked example rather than a literal reading of "retry_count <=
	// MAX_RETRIES" as quarantining at n == MaxRetries.
	if n > MaxRetries {
		logger.Error("retry budget exhausted, quarantining entity",
			"entity", e.label(),
			"state", e.syncState().String(),
			"retry_count", n,
		)
		e.setQuarantined()
		cancelRetryTimer(e)
		return
	}

	logger.Warn("notification timeout, retrying",
		"entity", e.label(),
		"state", e.syncState().String(),
		"attempt", n,
	)
	if err := reinvoke(); err != nil {
		logger.Error("retry re-invocation failed",
			"entity", e.label(),
			"state", e.syncState().String(),
			"error", err,
		)
	}
	armRetryTimer(e, func() { retryTick(e, logger, reinvoke) })
}
