package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store. It honours TTLs, consumer groups with pending/ack,
// and pub/sub fan-out, so components can be exercised without a Redis server.
type Memory struct {
	mu  sync.Mutex
	now func() time.Time

	strings map[string]string
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
	streams map[string]*memStream
	expiry  map[string]time.Time

	subs   map[string][]*memSubscription
	notify chan struct{}
}

type memStream struct {
	entries []Entry
	lastMs  int64
	seq     int64
	groups  map[string]*memGroup
}

type memGroup struct {
	lastDelivered string
	pending       map[string]string // entry id -> consumer
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		now:     time.Now,
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
		streams: make(map[string]*memStream),
		expiry:  make(map[string]time.Time),
		subs:    make(map[string][]*memSubscription),
		notify:  make(chan struct{}),
	}
}

// SetClock replaces the time source used for TTL evaluation.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// TTL reports the remaining lifetime of key; ok is false when the key has no expiry.
func (m *Memory) TTL(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	exp, ok := m.expiry[key]
	if !ok {
		return 0, false
	}
	return exp.Sub(m.now()), true
}

// Pending returns the number of delivered but unacknowledged entries for a group.
func (m *Memory) Pending(stream, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return 0
	}
	g, ok := s.groups[group]
	if !ok {
		return 0
	}
	return len(g.pending)
}

func (m *Memory) expireLocked(key string) {
	exp, ok := m.expiry[key]
	if !ok || m.now().Before(exp) {
		return
	}
	m.deleteLocked(key)
}

func (m *Memory) deleteLocked(key string) {
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.zsets, key)
	delete(m.streams, key)
	delete(m.expiry, key)
}

func (m *Memory) existsLocked(key string) bool {
	if _, ok := m.strings[key]; ok {
		return true
	}
	if _, ok := m.hashes[key]; ok {
		return true
	}
	if _, ok := m.sets[key]; ok {
		return true
	}
	if _, ok := m.zsets[key]; ok {
		return true
	}
	_, ok := m.streams[key]
	return ok
}

func (m *Memory) setTTLLocked(key string, ttl time.Duration) {
	if ttl > 0 {
		m.expiry[key] = m.now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	v, ok := m.strings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = value
	m.setTTLLocked(key, ttl)
	return nil
}

func (m *Memory) Swap(_ context.Context, key, value string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	prev := m.strings[key]
	m.strings[key] = value
	m.setTTLLocked(key, ttl)
	return prev, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.deleteLocked(k)
	}
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	if !m.existsLocked(key) {
		return nil
	}
	m.setTTLLocked(key, ttl)
	return nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	n := int64(0)
	if v, ok := m.strings[key]; ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incr %s: value is not an integer", key)
		}
		n = parsed
	}
	n++
	m.strings[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *Memory) HSet(_ context.Context, key string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string, len(values))
		m.hashes[key] = h
	}
	for k, v := range values {
		h[k] = v
	}
	return nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	v, ok := m.hashes[key][field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HIncrBy(_ context.Context, key, field string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	cur := int64(0)
	if v, ok := h[field]; ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("hincrby %s/%s: value is not an integer", key, field)
		}
		cur = parsed
	}
	cur += n
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	if len(members) == 0 {
		return nil
	}
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{}, len(members))
		m.sets[key] = s
	}
	for _, mem := range members {
		s[mem] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(s, mem)
	}
	if len(s) == 0 {
		m.deleteLocked(key)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	out := make([]string, 0, len(m.sets[key]))
	for mem := range m.sets[key] {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SDrain(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	out := make([]string, 0, len(m.sets[key]))
	for mem := range m.sets[key] {
		out = append(out, mem)
	}
	sort.Strings(out)
	m.deleteLocked(key)
	return out, nil
}

func (m *Memory) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	type scored struct {
		member string
		score  float64
	}
	var hits []scored
	for mem, s := range m.zsets[key] {
		if s >= min && s <= max {
			hits = append(hits, scored{mem, s})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score == hits[j].score {
			return hits[i].member < hits[j].member
		}
		return hits[i].score < hits[j].score
	})
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.member
	}
	return out, nil
}

func (m *Memory) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	for _, mem := range members {
		delete(m.zsets[key], mem)
	}
	return nil
}

func (m *Memory) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	for mem, s := range m.zsets[key] {
		if s >= min && s <= max {
			delete(m.zsets[key], mem)
		}
	}
	return nil
}

func (m *Memory) XAdd(_ context.Context, stream string, maxLen int64, values map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(stream)
	s := m.streamLocked(stream)

	ms := m.now().UnixMilli()
	if ms <= s.lastMs {
		ms = s.lastMs
		s.seq++
	} else {
		s.lastMs = ms
		s.seq = 0
	}
	id := fmt.Sprintf("%d-%d", ms, s.seq)

	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	s.entries = append(s.entries, Entry{ID: id, Values: copied})
	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		s.entries = s.entries[int64(len(s.entries))-maxLen:]
	}

	close(m.notify)
	m.notify = make(chan struct{})
	return id, nil
}

func (m *Memory) streamLocked(stream string) *memStream {
	s, ok := m.streams[stream]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		m.streams[stream] = s
	}
	return s
}

func (m *Memory) XGroupCreate(_ context.Context, stream, group, start string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.streamLocked(stream)
	if _, ok := s.groups[group]; ok {
		return nil
	}
	cursor := "0-0"
	if start == "$" && len(s.entries) > 0 {
		cursor = s.entries[len(s.entries)-1].ID
	} else if start != "$" && start != "0" && start != "" {
		cursor = start
	}
	s.groups[group] = &memGroup{lastDelivered: cursor, pending: make(map[string]string)}
	return nil
}

func (m *Memory) XReadGroup(ctx context.Context, args ReadGroupArgs) ([]StreamBatch, error) {
	var deadline <-chan time.Time
	if args.Block > 0 && !args.Pending() {
		timer := time.NewTimer(args.Block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		m.mu.Lock()
		out, err := m.readGroupLocked(args)
		wait := m.notify
		m.mu.Unlock()
		if err != nil || len(out) > 0 || deadline == nil {
			return out, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wait:
		}
	}
}

func (m *Memory) readGroupLocked(args ReadGroupArgs) ([]StreamBatch, error) {
	var out []StreamBatch
	for _, name := range args.Streams {
		s, ok := m.streams[name]
		if !ok {
			return nil, fmt.Errorf("NOGROUP no such key %s", name)
		}
		g, ok := s.groups[args.Group]
		if !ok {
			return nil, fmt.Errorf("NOGROUP no such consumer group %s for key %s", args.Group, name)
		}

		var batch []Entry
		if args.Pending() {
			for _, e := range s.entries {
				if g.pending[e.ID] != args.Consumer || compareIDs(e.ID, args.Start) <= 0 {
					continue
				}
				batch = append(batch, e)
				if args.Count > 0 && int64(len(batch)) >= args.Count {
					break
				}
			}
			if len(batch) > 0 {
				out = append(out, StreamBatch{Stream: name, Entries: batch})
			}
			continue
		}
		for _, e := range s.entries {
			if compareIDs(e.ID, g.lastDelivered) <= 0 {
				continue
			}
			batch = append(batch, e)
			g.pending[e.ID] = args.Consumer
			g.lastDelivered = e.ID
			if args.Count > 0 && int64(len(batch)) >= args.Count {
				break
			}
		}
		if len(batch) > 0 {
			out = append(out, StreamBatch{Stream: name, Entries: batch})
		}
	}
	return out, nil
}

func (m *Memory) XAck(_ context.Context, stream, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (m *Memory) XRange(_ context.Context, stream, start, end string, count int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(stream)
	s, ok := m.streams[stream]
	if !ok {
		return nil, nil
	}
	var out []Entry
	for _, e := range s.entries {
		if start != "-" && compareIDs(e.ID, start) < 0 {
			continue
		}
		if end != "+" && compareIDs(e.ID, end) > 0 {
			continue
		}
		out = append(out, e)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	subs := append([]*memSubscription(nil), m.subs[channel]...)
	m.mu.Unlock()

	for _, s := range subs {
		s.deliver(Message{Channel: channel, Payload: append([]byte(nil), payload...)})
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := &memSubscription{parent: m, channel: channel, out: make(chan Message, 256)}
	m.subs[channel] = append(m.subs[channel], sub)
	return sub, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

type memSubscription struct {
	parent  *Memory
	channel string

	mu     sync.Mutex
	closed bool
	out    chan Message
}

func (s *memSubscription) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- msg:
	default:
		// slow subscriber; pub/sub is fire-and-forget
	}
}

func (s *memSubscription) Messages() <-chan Message { return s.out }

func (s *memSubscription) Close() error {
	s.parent.mu.Lock()
	subs := s.parent.subs[s.channel]
	for i, other := range subs {
		if other == s {
			s.parent.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.parent.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

// compareIDs orders stream ids of the form "<ms>-<seq>".
func compareIDs(a, b string) int {
	am, as := splitID(a)
	bm, bs := splitID(b)
	switch {
	case am < bm:
		return -1
	case am > bm:
		return 1
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func splitID(id string) (int64, int64) {
	msPart, seqPart, found := strings.Cut(id, "-")
	ms, _ := strconv.ParseInt(msPart, 10, 64)
	if !found {
		return ms, 0
	}
	seq, _ := strconv.ParseInt(seqPart, 10, 64)
	return ms, seq
}
