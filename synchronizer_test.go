package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// ConversationLog
// ============================================================================

func TestConversationLogOrdering(t *testing.T) {
	l := NewConversationLog()
	assert.True(t, l.Insert(msgAt("c", "a", "b", 2*time.Second)))
	assert.True(t, l.Insert(msgAt("a", "a", "b", 0)))
	// Same timestamp as "c"; the id breaks the tie.
	assert.True(t, l.Insert(msgAt("b", "a", "b", 2*time.Second)))
	assert.False(t, l.Insert(msgAt("a", "a", "b", time.Hour)))

	assert.Equal(t, []string{"a", "b", "c"}, ids(l.Messages()))
	assert.Equal(t, "c", l.Last().ID)
	assert.Equal(t, 3, l.Len())
}

func TestConversationLogReplace(t *testing.T) {
	l := NewConversationLog()
	l.Insert(msgAt("temp-1", "a", "b", time.Second))
	l.Insert(msgAt("m0", "a", "b", 0))
	l.Insert(msgAt("m9", "a", "b", 3*time.Second))

	repl := msgAt("42", "a", "b", time.Second)
	require.True(t, l.Replace("temp-1", repl))
	assert.Equal(t, []string{"m0", "42", "m9"}, ids(l.Messages()))
	assert.False(t, l.Contains("temp-1"))

	assert.False(t, l.Replace("missing", msgAt("x", "a", "b", 0)))
	assert.False(t, l.Replace("m0", msgAt("m9", "a", "b", 0)), "target id taken")
}

// ============================================================================
// Synchronizer
// ============================================================================

func TestSynchronizerMergeIsIdempotent(t *testing.T) {
	s := NewSynchronizer("alice", nil)
	batch := []*Message{
		msgAt("m1", "bob", "alice", 0),
		msgAt("m2", "alice", "bob", time.Second),
	}

	first := s.Merge("bob", batch)
	assert.Len(t, first.Inserted, 2)
	assert.Equal(t, []string{"m1"}, ids(first.InboundInserted))

	second := s.Merge("bob", batch)
	assert.Empty(t, second.Inserted)
	assert.Equal(t, 2, second.Dropped)
	assert.Equal(t, 2, s.Log("bob").Len())
}

func TestSynchronizerPushThenCatchUp(t *testing.T) {
	// m1 arrives by push, then a catch-up returns m1 and the later m2.
	s := NewSynchronizer("alice", nil)
	m1 := msgAt("m1", "bob", "alice", 0)
	m2 := msgAt("m2", "bob", "alice", time.Second)

	s.Merge("bob", []*Message{m1})
	res := s.Merge("bob", []*Message{m2, m1})

	assert.Equal(t, []string{"m2"}, ids(res.Inserted))
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Log("bob").Messages()))
	assert.True(t, s.Watermark("bob").Equal(m2.CreatedAt))
}

func TestSynchronizerWatermarkNeverMovesBack(t *testing.T) {
	s := NewSynchronizer("alice", nil)
	s.Merge("bob", []*Message{msgAt("late", "bob", "alice", time.Minute)})
	s.Merge("bob", []*Message{msgAt("early", "bob", "alice", 0)})

	assert.True(t, s.Watermark("bob").Equal(t0.Add(time.Minute)))
	assert.Equal(t, []string{"early", "late"}, ids(s.Log("bob").Messages()))
	assert.True(t, s.Watermark("carol").IsZero())
}

func TestSynchronizerAppliesStoredStatus(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.SetStatus("m1", StatusRead))
	sm := NewStateMachine(cache, nil, quietLogger())
	s := NewSynchronizer("alice", sm)

	in := msgAt("m1", "bob", "alice", 0)
	in.Status = StatusDelivered
	s.Merge("bob", []*Message{in})

	got, c := s.Locate("m1")
	require.NotNil(t, got)
	assert.Equal(t, "bob", c)
	assert.Equal(t, StatusRead, got.Status)
	assert.Equal(t, StatusDelivered, in.Status, "input must not be mutated")
}

func TestSynchronizerRecordsMergedStatus(t *testing.T) {
	cache := newTestCache(t)
	sm := NewStateMachine(cache, nil, quietLogger())
	s := NewSynchronizer("alice", sm)

	read := msgAt("m1", "alice", "bob", 0)
	read.Status = StatusRead
	s.Merge("bob", []*Message{read, msgAt("m2", "bob", "alice", time.Second)})

	assert.Equal(t, StatusRead, cache.Status("m1"))
	assert.Equal(t, StatusSent, cache.Status("m2"))

	_, changed := sm.Advance("m1", StatusDelivered)
	assert.False(t, changed, "record holds what the log holds")
}

func TestSynchronizerReconcile(t *testing.T) {
	t.Run("renames temp entry", func(t *testing.T) {
		s := NewSynchronizer("alice", nil)
		tmp := msgAt("temp-1", "alice", "bob", time.Second)
		s.Merge("bob", []*Message{tmp})
		s.MarkFailed("temp-1", "timeout")

		got := s.Reconcile("temp-1", "42")
		require.NotNil(t, got)
		assert.Equal(t, "42", got.ID)
		assert.False(t, got.Failed)

		assert.Equal(t, []string{"42"}, ids(s.Log("bob").Messages()))
		m, _ := s.Locate("temp-1")
		assert.Nil(t, m)
	})

	t.Run("push beat the ack", func(t *testing.T) {
		s := NewSynchronizer("alice", nil)
		s.Merge("bob", []*Message{msgAt("temp-1", "alice", "bob", time.Second)})
		pushed := msgAt("42", "alice", "bob", time.Second)
		pushed.Status = StatusDelivered
		s.Merge("bob", []*Message{pushed})

		got := s.Reconcile("temp-1", "42")
		require.NotNil(t, got)
		assert.Equal(t, StatusDelivered, got.Status)
		assert.Equal(t, []string{"42"}, ids(s.Log("bob").Messages()))
	})

	t.Run("unknown temp id", func(t *testing.T) {
		s := NewSynchronizer("alice", nil)
		assert.Nil(t, s.Reconcile("temp-x", "42"))
	})
}
