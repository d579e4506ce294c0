package core

// TriggerSender is the write side of a workflow's trigger channel (§4.3):
// a buffered, coalescing signal — any number of Trigger calls between two
// consumer wakeups collapse into a single run, so producers never block
// and a busy workflow never accumulates a backlog of redundant wakeups.
type TriggerSender struct {
	ch chan struct{}
}

// TriggerReceiver is the read side of a trigger channel.
type TriggerReceiver struct {
	ch chan struct{}
}

// NewTrigger constructs a paired trigger sender/receiver with a capacity-1
// coalescing buffer.
func NewTrigger() (TriggerSender, TriggerReceiver) {
	ch := make(chan struct{}, 1)
	return TriggerSender{ch: ch}, TriggerReceiver{ch: ch}
}

// Trigger signals the workflow loop to run, without blocking. If a signal
// is already pending and unconsumed, this call is a no-op: the pending
// signal already stands for "run again," so duplicates collapse.
func (s TriggerSender) Trigger() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C exposes the underlying channel for use in a select alongside
// ctx.Done() and other trigger receivers.
func (r TriggerReceiver) C() <-chan struct{} { return r.ch }

// WorkStatus reports whether a workflow's run left more work behind that
// should immediately re-trigger it, or whether it drained its queue.
type WorkStatus int

const (
	// WorkIncomplete means the workflow should re-trigger itself once more
	// (e.g. it stopped at a batch size limit with items still queued).
	WorkIncomplete WorkStatus = iota
	// WorkComplete means the queue was fully drained; the workflow parks
	// until its next external trigger.
	WorkComplete
)
