package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logical names of the persisted maps.
const (
	keySelected  = "selected"
	prefixStatus = "status/"
	prefixUnread = "unread/"
	prefixRecent = "recent/"
)

// LocalCache is the typed, write-through view of the durable state: the
// selected counterpart, the status record, unread counters and the
// recent-message map. Everything is loaded once on open; reads are served
// from memory.
type LocalCache struct {
	store Store
	log   logrus.FieldLogger

	mu       sync.RWMutex
	selected string
	status   map[string]Status
	unread   map[string]int
	recent   map[string]*Message
}

// OpenLocalCache loads all maps from store. A map holding an undecodable
// entry is logged and treated as empty; it never fails startup.
func OpenLocalCache(store Store, logger logrus.FieldLogger) (*LocalCache, error) {
	c := &LocalCache{
		store:  store,
		log:    componentLogger(logger, "cache"),
		status: make(map[string]Status),
		unread: make(map[string]int),
		recent: make(map[string]*Message),
	}

	sel, err := store.Get(keySelected)
	switch {
	case err == nil:
		c.selected = string(sel)
	case errors.Is(err, ErrNotFound):
	default:
		return nil, fmt.Errorf("load %s: %w", keySelected, err)
	}

	if err := c.loadStatus(); err != nil {
		return nil, err
	}
	if err := c.loadUnread(); err != nil {
		return nil, err
	}
	if err := c.loadRecent(); err != nil {
		return nil, err
	}
	return c, nil
}

// malformedError marks a decode failure, as opposed to a storage failure.
type malformedError struct {
	key string
	err error
}

func (e *malformedError) Error() string {
	return fmt.Sprintf("malformed entry %s: %v", e.key, e.err)
}

// loadMap scans prefix with decode. Malformed entries reset the whole map;
// storage errors are returned.
func (c *LocalCache) loadMap(name, prefix string, decode func(key string, value []byte) error, reset func()) error {
	err := c.store.Scan(prefix, func(key string, value []byte) error {
		if err := decode(strings.TrimPrefix(key, prefix), value); err != nil {
			return &malformedError{key: key, err: err}
		}
		return nil
	})
	var me *malformedError
	if errors.As(err, &me) {
		c.log.WithError(err).WithField("map", name).Error("malformed_local_state")
		reset()
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	return nil
}

func (c *LocalCache) loadStatus() error {
	return c.loadMap("status", prefixStatus, func(id string, v []byte) error {
		s := Status(v)
		if !s.Valid() {
			return fmt.Errorf("unknown status %q", s)
		}
		c.status[id] = s
		return nil
	}, func() { c.status = make(map[string]Status) })
}

func (c *LocalCache) loadUnread() error {
	return c.loadMap("unread", prefixUnread, func(cp string, v []byte) error {
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("negative count %d", n)
		}
		c.unread[cp] = n
		return nil
	}, func() { c.unread = make(map[string]int) })
}

func (c *LocalCache) loadRecent() error {
	return c.loadMap("recent", prefixRecent, func(cp string, v []byte) error {
		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		if m.ID == "" {
			return fmt.Errorf("recent message without id")
		}
		c.recent[cp] = &m
		return nil
	}, func() { c.recent = make(map[string]*Message) })
}

// Close closes the underlying store.
func (c *LocalCache) Close() error {
	return c.store.Close()
}

// ── Selected counterpart ──────────────────────────────────

func (c *LocalCache) Selected() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selected
}

func (c *LocalCache) SetSelected(counterpart string) error {
	c.mu.Lock()
	c.selected = counterpart
	c.mu.Unlock()
	if counterpart == "" {
		return c.store.Delete(keySelected)
	}
	return c.store.Set(keySelected, []byte(counterpart))
}

// ── Status record ─────────────────────────────────────────

// Status returns the stored status for id, or "" when none is recorded.
func (c *LocalCache) Status(id string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status[id]
}

func (c *LocalCache) SetStatus(id string, s Status) error {
	c.mu.Lock()
	c.status[id] = s
	c.mu.Unlock()
	return c.store.Set(prefixStatus+id, []byte(s))
}

func (c *LocalCache) DeleteStatus(id string) error {
	c.mu.Lock()
	delete(c.status, id)
	c.mu.Unlock()
	return c.store.Delete(prefixStatus + id)
}

// StatusIDs returns every message id present in the status record.
func (c *LocalCache) StatusIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.status))
	for id := range c.status {
		ids = append(ids, id)
	}
	return ids
}

// ── Unread counters ───────────────────────────────────────

func (c *LocalCache) Unread(counterpart string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unread[counterpart]
}

func (c *LocalCache) SetUnread(counterpart string, n int) error {
	c.mu.Lock()
	c.unread[counterpart] = n
	c.mu.Unlock()
	return c.store.Set(prefixUnread+counterpart, []byte(strconv.Itoa(n)))
}

// UnreadCounts returns a copy of all counters.
func (c *LocalCache) UnreadCounts() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.unread))
	for k, v := range c.unread {
		out[k] = v
	}
	return out
}

// ── Recent messages ───────────────────────────────────────

func (c *LocalCache) Recent(counterpart string) *Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recent[counterpart].Clone()
}

func (c *LocalCache) SetRecent(counterpart string, m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal recent %s: %w", counterpart, err)
	}
	c.mu.Lock()
	c.recent[counterpart] = m.Clone()
	c.mu.Unlock()
	return c.store.Set(prefixRecent+counterpart, data)
}

// RecentAll returns a copy of the recent-message map.
func (c *LocalCache) RecentAll() map[string]*Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*Message, len(c.recent))
	for k, v := range c.recent {
		out[k] = v.Clone()
	}
	return out
}
