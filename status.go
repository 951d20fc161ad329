package chatsync

import (
	"github.com/sirupsen/logrus"
)

// StateMachine applies sent → delivered → read transitions to the status
// record. Transitions only move forward and every one is persisted, whether
// or not the owning message is loaded.
type StateMachine struct {
	cache   *LocalCache
	metrics *Metrics
	log     logrus.FieldLogger
}

// NewStateMachine creates a state machine over the cache's status record.
func NewStateMachine(cache *LocalCache, metrics *Metrics, logger logrus.FieldLogger) *StateMachine {
	return &StateMachine{
		cache:   cache,
		metrics: metrics,
		log:     componentLogger(logger, "status"),
	}
}

// Current returns the stored status of id, or "" when nothing is recorded.
func (sm *StateMachine) Current(id string) Status {
	return sm.cache.Status(id)
}

// Advance moves id to next if next is later than the stored status. It
// returns the resulting status and whether it changed. An earlier or equal
// status is ignored.
func (sm *StateMachine) Advance(id string, next Status) (Status, bool) {
	cur := sm.cache.Status(id)
	if !next.Valid() {
		sm.log.WithFields(logrus.Fields{"messageId": id, "status": next}).Warn("unknown_status_ignored")
		return cur, false
	}
	if next.Rank() <= cur.Rank() {
		if next.Rank() < cur.Rank() {
			sm.metrics.regression()
			sm.log.WithFields(logrus.Fields{
				"messageId": id, "stored": cur, "reported": next,
			}).Debug("status_regression_ignored")
		}
		return cur, false
	}
	if err := sm.cache.SetStatus(id, next); err != nil {
		sm.log.WithError(err).WithField("messageId", id).Error("status_persist_failed")
	}
	sm.metrics.transition(next)
	return next, true
}

// Move carries the status of oldID over to newID, keeping the later of the
// two, and removes oldID from the record.
func (sm *StateMachine) Move(oldID, newID string) Status {
	carried := MaxStatus(sm.cache.Status(oldID), sm.cache.Status(newID))
	if !carried.Valid() {
		carried = StatusSent
	}
	if err := sm.cache.SetStatus(newID, carried); err != nil {
		sm.log.WithError(err).WithField("messageId", newID).Error("status_persist_failed")
	}
	if err := sm.cache.DeleteStatus(oldID); err != nil {
		sm.log.WithError(err).WithField("messageId", oldID).Error("status_delete_failed")
	}
	return carried
}

// DeliverCandidates returns inbound messages whose status is absent or sent.
func DeliverCandidates(msgs []*Message, self string) []*Message {
	var out []*Message
	for _, m := range msgs {
		if m.Sent(self) || IsTempID(m.ID) {
			continue
		}
		if m.Status.Rank() <= StatusSent.Rank() {
			out = append(out, m)
		}
	}
	return out
}

// ReadCandidates returns inbound messages not yet read.
func ReadCandidates(msgs []*Message, self string) []*Message {
	var out []*Message
	for _, m := range msgs {
		if m.Sent(self) || IsTempID(m.ID) {
			continue
		}
		if m.Status != StatusRead {
			out = append(out, m)
		}
	}
	return out
}

func messageIDs(msgs []*Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
