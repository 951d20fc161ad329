package chatsync

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineForwardOnly(t *testing.T) {
	cache := newTestCache(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	sm := NewStateMachine(cache, metrics, quietLogger())

	s, changed := sm.Advance("m1", StatusDelivered)
	assert.True(t, changed)
	assert.Equal(t, StatusDelivered, s)

	s, changed = sm.Advance("m1", StatusSent)
	assert.False(t, changed)
	assert.Equal(t, StatusDelivered, s)

	s, changed = sm.Advance("m1", StatusRead)
	assert.True(t, changed)
	assert.Equal(t, StatusRead, s)

	_, changed = sm.Advance("m1", StatusRead)
	assert.False(t, changed)

	assert.Equal(t, StatusRead, cache.Status("m1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StatusRegressions))
}

func TestStateMachineUnknownMessage(t *testing.T) {
	// Transitions are recorded even when no log holds the message.
	cache := newTestCache(t)
	sm := NewStateMachine(cache, nil, quietLogger())
	_, changed := sm.Advance("elsewhere", StatusRead)
	assert.True(t, changed)
	assert.Equal(t, StatusRead, cache.Status("elsewhere"))

	_, changed = sm.Advance("elsewhere", Status("bogus"))
	assert.False(t, changed)
}

func TestStateMachineMove(t *testing.T) {
	cache := newTestCache(t)
	sm := NewStateMachine(cache, nil, quietLogger())
	sm.Advance("temp-1", StatusSent)
	sm.Advance("42", StatusDelivered)

	assert.Equal(t, StatusDelivered, sm.Move("temp-1", "42"))
	assert.Empty(t, cache.Status("temp-1"))
	assert.Equal(t, StatusDelivered, cache.Status("42"))
	assert.NotContains(t, cache.StatusIDs(), "temp-1")

	assert.Equal(t, StatusSent, sm.Move("temp-2", "43"))
}

func TestCandidates(t *testing.T) {
	in1 := msgAt("in1", "bob", "alice", 0)
	in2 := msgAt("in2", "bob", "alice", 1)
	in2.Status = StatusDelivered
	in3 := msgAt("in3", "bob", "alice", 2)
	in3.Status = StatusRead
	out := msgAt("out", "alice", "bob", 3)
	msgs := []*Message{in1, in2, in3, out}

	require.Equal(t, []string{"in1"}, ids(DeliverCandidates(msgs, "alice")))
	require.Equal(t, []string{"in1", "in2"}, ids(ReadCandidates(msgs, "alice")))
}
