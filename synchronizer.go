package chatsync

import (
	"sort"
	"time"
)

// Merge sources, used for logging and metrics.
const (
	SourcePush    = "push"
	SourceCatchUp = "catchup"
	SourceLocal   = "local"
)

// ============================================================================
// Conversation Log
// ============================================================================

// ConversationLog is a deduplicated message log ordered by createdAt, with
// messageId breaking ties.
type ConversationLog struct {
	msgs []*Message
	ids  map[string]struct{}
}

// NewConversationLog creates an empty log.
func NewConversationLog() *ConversationLog {
	return &ConversationLog{ids: make(map[string]struct{})}
}

// Insert adds m in order and reports whether it was new. A message whose id
// is already present is ignored.
func (l *ConversationLog) Insert(m *Message) bool {
	if _, ok := l.ids[m.ID]; ok {
		return false
	}
	i := sort.Search(len(l.msgs), func(i int) bool { return m.before(l.msgs[i]) })
	l.msgs = append(l.msgs, nil)
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = m
	l.ids[m.ID] = struct{}{}
	return true
}

// Contains reports whether id is in the log.
func (l *ConversationLog) Contains(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Get returns the entry for id, or nil.
func (l *ConversationLog) Get(id string) *Message {
	if !l.Contains(id) {
		return nil
	}
	for _, m := range l.msgs {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Remove deletes the entry for id and returns it.
func (l *ConversationLog) Remove(id string) *Message {
	if !l.Contains(id) {
		return nil
	}
	for i, m := range l.msgs {
		if m.ID == id {
			l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
			delete(l.ids, id)
			return m
		}
	}
	return nil
}

// Replace swaps the entry for oldID with m, keeping the log ordered. It
// reports false when oldID is absent or m.ID is already taken.
func (l *ConversationLog) Replace(oldID string, m *Message) bool {
	if !l.Contains(oldID) || (m.ID != oldID && l.Contains(m.ID)) {
		return false
	}
	l.Remove(oldID)
	return l.Insert(m)
}

// SetStatus overwrites the status of the entry for id.
func (l *ConversationLog) SetStatus(id string, s Status) bool {
	m := l.Get(id)
	if m == nil {
		return false
	}
	m.Status = s
	return true
}

// Len returns the number of entries.
func (l *ConversationLog) Len() int { return len(l.msgs) }

// Messages returns copies of the entries in log order.
func (l *ConversationLog) Messages() []*Message {
	out := make([]*Message, len(l.msgs))
	for i, m := range l.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Last returns the newest entry, or nil.
func (l *ConversationLog) Last() *Message {
	if len(l.msgs) == 0 {
		return nil
	}
	return l.msgs[len(l.msgs)-1]
}

// ============================================================================
// Synchronizer
// ============================================================================

// MergeResult lists what a merge actually inserted.
type MergeResult struct {
	Inserted []*Message
	// InboundInserted is the subset of Inserted not authored by self.
	InboundInserted []*Message
	Dropped         int
}

// Synchronizer merges push and catch-up messages into one log per
// counterpart and tracks each conversation's watermark. It is not safe for
// concurrent use; the engine serializes access.
type Synchronizer struct {
	self       string
	logs       map[string]*ConversationLog
	watermarks map[string]time.Time
	index      map[string]string // messageId -> counterpart
	status     *StateMachine
}

// NewSynchronizer creates a synchronizer for the local user self. Stored
// statuses from sm are applied to messages as they are merged.
func NewSynchronizer(self string, sm *StateMachine) *Synchronizer {
	return &Synchronizer{
		self:       self,
		logs:       make(map[string]*ConversationLog),
		watermarks: make(map[string]time.Time),
		index:      make(map[string]string),
		status:     sm,
	}
}

func (s *Synchronizer) log(counterpart string) *ConversationLog {
	l, ok := s.logs[counterpart]
	if !ok {
		l = NewConversationLog()
		s.logs[counterpart] = l
	}
	return l
}

// Merge inserts msgs into the counterpart's log, skipping ids already
// present, and advances the watermark. The same batch may be merged any
// number of times, from any source, in any order.
func (s *Synchronizer) Merge(counterpart string, msgs []*Message) MergeResult {
	var res MergeResult
	l := s.log(counterpart)
	for _, in := range msgs {
		if in == nil || in.ID == "" {
			continue
		}
		if l.Contains(in.ID) {
			res.Dropped++
			continue
		}
		m := in.Clone()
		if s.status != nil {
			m.Status = MaxStatus(m.Status, s.status.Current(m.ID))
		}
		if !m.Status.Valid() {
			m.Status = StatusSent
		}
		if s.status != nil {
			// The record must never lag the log, or a late event could pass
			// Advance and move the entry backwards.
			s.status.Advance(m.ID, m.Status)
		}
		l.Insert(m)
		s.index[m.ID] = counterpart
		if m.CreatedAt.After(s.watermarks[counterpart]) {
			s.watermarks[counterpart] = m.CreatedAt
		}
		res.Inserted = append(res.Inserted, m)
		if !m.Sent(s.self) {
			res.InboundInserted = append(res.InboundInserted, m)
		}
	}
	return res
}

// Log returns the conversation log for counterpart, or nil if none exists.
func (s *Synchronizer) Log(counterpart string) *ConversationLog {
	return s.logs[counterpart]
}

// Has reports whether a log exists for counterpart.
func (s *Synchronizer) Has(counterpart string) bool {
	_, ok := s.logs[counterpart]
	return ok
}

// Counterparts lists every conversation with a log.
func (s *Synchronizer) Counterparts() []string {
	out := make([]string, 0, len(s.logs))
	for c := range s.logs {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Watermark returns the newest createdAt merged for counterpart.
func (s *Synchronizer) Watermark(counterpart string) time.Time {
	return s.watermarks[counterpart]
}

// Locate returns the log entry for id and its counterpart.
func (s *Synchronizer) Locate(id string) (*Message, string) {
	c, ok := s.index[id]
	if !ok {
		return nil, ""
	}
	return s.logs[c].Get(id), c
}

// Reconcile replaces tempID with serverID in the log that holds it. When the
// server id was already merged (the push beat the ack) the temporary entry
// is dropped. It returns the canonical entry, or nil if tempID is unknown.
func (s *Synchronizer) Reconcile(tempID, serverID string) *Message {
	c, ok := s.index[tempID]
	if !ok {
		return nil
	}
	l := s.logs[c]
	tmp := l.Get(tempID)
	delete(s.index, tempID)
	if tmp == nil {
		return nil
	}
	if existing := l.Get(serverID); existing != nil {
		l.Remove(tempID)
		existing.Status = MaxStatus(existing.Status, tmp.Status)
		return existing
	}
	m := tmp.Clone()
	m.ID = serverID
	m.Failed = false
	m.FailureReason = ""
	l.Replace(tempID, m)
	s.index[serverID] = c
	return m
}

// MarkFailed flags the optimistic entry for id as failed, or clears the flag
// when reason is empty.
func (s *Synchronizer) MarkFailed(id, reason string) bool {
	m, _ := s.Locate(id)
	if m == nil {
		return false
	}
	m.Failed = reason != ""
	m.FailureReason = reason
	return true
}
