package chatsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Retry Policy
// ============================================================================

// RetryPolicy bounds automatic retransmission of an optimistic send. Only
// transport failures are retried; a negative acknowledgment is final.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

func (p *RetryPolicy) defaults() {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
}

// delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ============================================================================
// Outbox
// ============================================================================

// Pending send states.
const (
	SendPending = "pending"
	SendFailed  = "failed"
)

// PendingSend is an optimistic message that has no server id yet.
type PendingSend struct {
	TempID      string
	Counterpart string
	Message     *Message
	State       string
	Attempts    int
	MaxAttempts int
	Error       string
	CreatedAt   time.Time
}

// Outbox tracks optimistic sends by temp id until they are acknowledged.
// Failed entries stay until they are resent.
type Outbox struct {
	mu  sync.RWMutex
	ops map[string]*PendingSend
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{ops: make(map[string]*PendingSend)}
}

// Enqueue adds or restarts op.
func (o *Outbox) Enqueue(op *PendingSend) {
	o.mu.Lock()
	defer o.mu.Unlock()
	op.State = SendPending
	op.Error = ""
	o.ops[op.TempID] = op
}

// Get returns a copy of the entry for tempID.
func (o *Outbox) Get(tempID string) (PendingSend, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	op, ok := o.ops[tempID]
	if !ok {
		return PendingSend{}, false
	}
	return *op, true
}

// Attempt records one transmission attempt and returns the count so far.
func (o *Outbox) Attempt(tempID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.ops[tempID]
	if !ok {
		return 0
	}
	op.Attempts++
	return op.Attempts
}

// Ack removes tempID.
func (o *Outbox) Ack(tempID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.ops, tempID)
}

// Nack marks tempID as failed with errMsg.
func (o *Outbox) Nack(tempID, errMsg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if op := o.ops[tempID]; op != nil {
		op.State = SendFailed
		op.Error = errMsg
	}
}

// Pending returns copies of every entry, oldest first.
func (o *Outbox) Pending() []PendingSend {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingSend, 0, len(o.ops))
	for _, op := range o.ops {
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TempID < out[j].TempID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of entries, failed ones included.
func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.ops)
}

// ============================================================================
// Transmission
// ============================================================================

// MessageSender is the part of the transport a send needs.
type MessageSender interface {
	SendMessage(ctx context.Context, msg *Message) (SendAck, error)
}

// transmit sends msg under policy, retrying transport failures with capped
// exponential backoff. The returned AckEvent is always for msg.ID; a nil
// error means the server accepted it.
func transmit(ctx context.Context, s MessageSender, box *Outbox, msg *Message, policy RetryPolicy) (AckEvent, error) {
	var lastErr error
	for {
		attempt := box.Attempt(msg.ID)
		ack, err := s.SendMessage(ctx, msg)
		if err == nil {
			if !ack.Success {
				reason := ack.Error
				if reason == "" {
					reason = "rejected by server"
				}
				return AckEvent{TempID: msg.ID, Error: reason},
					&SendError{TempID: msg.ID, Reason: reason, Rejected: true}
			}
			if ack.MessageID == "" {
				// An accepted send without an id cannot be reconciled.
				return AckEvent{TempID: msg.ID, Error: "ack carried no message id"},
					&SendError{TempID: msg.ID, Reason: "ack carried no message id", Rejected: true}
			}
			return AckEvent{TempID: msg.ID, ServerID: ack.MessageID, Success: true}, nil
		}

		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || attempt >= policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(policy.delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}
	return AckEvent{TempID: msg.ID, Error: lastErr.Error()},
		&SendError{TempID: msg.ID, Reason: lastErr.Error()}
}
