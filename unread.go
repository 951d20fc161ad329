package chatsync

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Notification is a user-facing alert for a message that arrived while the
// page was hidden.
type Notification struct {
	Counterpart string
	Message     *Message
	Unread      int
}

// Notifier raises notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger logrus.FieldLogger
}

func (n LogNotifier) Notify(note Notification) {
	defaultLogger(n.Logger).WithFields(logrus.Fields{
		"from":   note.Counterpart,
		"unread": note.Unread,
	}).Info("new_message")
}

// UnreadAggregator maintains per-counterpart unread counters in the durable
// cache, independent of the status record.
type UnreadAggregator struct {
	cache *LocalCache
	log   logrus.FieldLogger
}

// NewUnreadAggregator creates an aggregator over cache.
func NewUnreadAggregator(cache *LocalCache, logger logrus.FieldLogger) *UnreadAggregator {
	return &UnreadAggregator{cache: cache, log: componentLogger(logger, "unread")}
}

// Observe accounts for one newly merged inbound message. The counter is
// bumped unless the conversation is active and the page visible. It reports
// whether a notification should be raised, which only happens while the
// page is hidden.
func (u *UnreadAggregator) Observe(counterpart string, activeVisible, pageVisible bool) (count int, notify bool) {
	count = u.cache.Unread(counterpart)
	if activeVisible {
		return count, false
	}
	count++
	if err := u.cache.SetUnread(counterpart, count); err != nil {
		u.log.WithError(err).WithField("counterpart", counterpart).Error("unread_persist_failed")
	}
	return count, !pageVisible
}

// Reset zeroes the counter for counterpart.
func (u *UnreadAggregator) Reset(counterpart string) {
	if u.cache.Unread(counterpart) == 0 {
		return
	}
	if err := u.cache.SetUnread(counterpart, 0); err != nil {
		u.log.WithError(err).WithField("counterpart", counterpart).Error("unread_persist_failed")
	}
}

// Count returns the counter for counterpart.
func (u *UnreadAggregator) Count(counterpart string) int {
	return u.cache.Unread(counterpart)
}

// Counts returns every counter.
func (u *UnreadAggregator) Counts() map[string]int {
	return u.cache.UnreadCounts()
}

// notifySafe calls n and recovers a panicking notifier.
func notifySafe(n Notifier, note Notification, log logrus.FieldLogger) {
	if n == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", fmt.Sprint(r)).Error("notifier_panic")
		}
	}()
	n.Notify(note)
}
