package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnreadAggregator(t *testing.T) {
	t.Run("active and visible does not count", func(t *testing.T) {
		u := NewUnreadAggregator(newTestCache(t), quietLogger())
		n, notify := u.Observe("bob", true, true)
		assert.Equal(t, 0, n)
		assert.False(t, notify)
	})

	t.Run("inactive conversation counts without notifying", func(t *testing.T) {
		u := NewUnreadAggregator(newTestCache(t), quietLogger())
		n, notify := u.Observe("bob", false, true)
		assert.Equal(t, 1, n)
		assert.False(t, notify)
	})

	t.Run("hidden page counts and notifies", func(t *testing.T) {
		u := NewUnreadAggregator(newTestCache(t), quietLogger())
		u.Observe("bob", false, false)
		n, notify := u.Observe("bob", false, false)
		assert.Equal(t, 2, n)
		assert.True(t, notify)
		assert.Equal(t, map[string]int{"bob": 2}, u.Counts())

		u.Reset("bob")
		assert.Equal(t, 0, u.Count("bob"))
	})
}

func TestNotifySafeRecovers(t *testing.T) {
	called := false
	assert.NotPanics(t, func() {
		notifySafe(NotifierFunc(func(Notification) {
			called = true
			panic("boom")
		}), Notification{Counterpart: "bob"}, quietLogger())
	})
	assert.True(t, called)
	notifySafe(nil, Notification{}, quietLogger())
}
