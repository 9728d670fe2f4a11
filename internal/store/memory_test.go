package store

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_StringTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Unix(1_700_000_000, 0)
	m.SetClock(func() time.Time { return now })

	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	now = now.Add(2 * time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_SwapReturnsPrevious(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	prev, err := m.Swap(ctx, "ptr", "a", 0)
	require.NoError(t, err)
	assert.Equal(t, "", prev)

	prev, err = m.Swap(ctx, "ptr", "b", 0)
	require.NoError(t, err)
	assert.Equal(t, "a", prev)
}

func TestMemory_ExpireOnlyExistingKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Expire(ctx, "missing", time.Minute))
	_, ok := m.TTL("missing")
	assert.False(t, ok)

	require.NoError(t, m.HSet(ctx, "h", map[string]string{"a": "1"}))
	require.NoError(t, m.Expire(ctx, "h", time.Minute))
	ttl, ok := m.TTL("h")
	assert.True(t, ok)
	assert.InDelta(t, time.Minute.Seconds(), ttl.Seconds(), 1)
}

func TestMemory_HashAndCounters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))
	all, err := m.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

	n, err := m.HIncrBy(ctx, "h", "a", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	_, err = m.HGet(ctx, "h", "zzz")
	assert.ErrorIs(t, err, ErrNotFound)

	c, err := m.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c)
}

func TestMemory_SetsAndSortedSets(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SAdd(ctx, "s", "b", "a", "b"))
	members, err := m.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	require.NoError(t, m.SRem(ctx, "s", "a"))
	ok, err := m.SIsMember(ctx, "s", "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.ZAdd(ctx, "z", 3, "c"))
	require.NoError(t, m.ZAdd(ctx, "z", 1, "a"))
	require.NoError(t, m.ZAdd(ctx, "z", 2, "b"))
	got, err := m.ZRangeByScore(ctx, "z", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	require.NoError(t, m.ZRemRangeByScore(ctx, "z", 0, 1))
	got, err = m.ZRangeByScore(ctx, "z", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, got)
}

func TestMemory_ConsumerGroupPendingAndAck(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.XGroupCreate(ctx, "log", "g", "0"))
	for i := 0; i < 3; i++ {
		_, err := m.XAdd(ctx, "log", 0, map[string]string{"d": "x"})
		require.NoError(t, err)
	}

	batches, err := m.XReadGroup(ctx, ReadGroupArgs{Group: "g", Consumer: "c1", Streams: []string{"log"}, Count: 2})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Entries, 2)
	assert.Equal(t, 2, m.Pending("log", "g"))

	require.NoError(t, m.XAck(ctx, "log", "g", batches[0].Entries[0].ID, batches[0].Entries[1].ID))
	assert.Equal(t, 0, m.Pending("log", "g"))

	batches, err = m.XReadGroup(ctx, ReadGroupArgs{Group: "g", Consumer: "c1", Streams: []string{"log"}, Count: 10})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Entries, 1)
}

func TestMemory_XReadGroupRereadsOwnPending(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.XGroupCreate(ctx, "log", "g", "0"))
	for i := 0; i < 3; i++ {
		_, err := m.XAdd(ctx, "log", 0, map[string]string{"i": strconv.Itoa(i)})
		require.NoError(t, err)
	}

	first, err := m.XReadGroup(ctx, ReadGroupArgs{Group: "g", Consumer: "c1", Streams: []string{"log"}, Count: 2})
	require.NoError(t, err)
	_, err = m.XReadGroup(ctx, ReadGroupArgs{Group: "g", Consumer: "c2", Streams: []string{"log"}, Count: 1})
	require.NoError(t, err)
	require.NoError(t, m.XAck(ctx, "log", "g", first[0].Entries[0].ID))

	pending, err := m.XReadGroup(ctx, ReadGroupArgs{Group: "g", Consumer: "c1", Streams: []string{"log"}, Start: "0", Block: time.Hour})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Len(t, pending[0].Entries, 1)
	assert.Equal(t, first[0].Entries[1].ID, pending[0].Entries[0].ID)

	// re-reading does not advance the group or acknowledge anything
	assert.Equal(t, 2, m.Pending("log", "g"))
	fresh, err := m.XReadGroup(ctx, ReadGroupArgs{Group: "g", Consumer: "c1", Streams: []string{"log"}})
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestMemory_SDrain(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SAdd(ctx, "dirty", "b", "a"))

	got, err := m.SDrain(ctx, "dirty")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	left, err := m.SMembers(ctx, "dirty")
	require.NoError(t, err)
	assert.Empty(t, left)

	got, err = m.SDrain(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemory_XReadGroupBlocksUntilAppend(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.XGroupCreate(ctx, "log", "g", "$"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = m.XAdd(ctx, "log", 0, map[string]string{"d": "late"})
	}()

	batches, err := m.XReadGroup(ctx, ReadGroupArgs{Group: "g", Consumer: "c", Streams: []string{"log"}, Block: time.Second})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "late", batches[0].Entries[0].Values["d"])
}

func TestMemory_XReadGroupTimesOutEmpty(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.XGroupCreate(ctx, "log", "g", "$"))

	batches, err := m.XReadGroup(ctx, ReadGroupArgs{Group: "g", Consumer: "c", Streams: []string{"log"}, Block: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestMemory_XAddMaxLenAndRange(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := m.XAdd(ctx, "log", 3, map[string]string{"i": string(rune('a' + i))})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	entries, err := m.XRange(ctx, "log", "-", "+", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ids[2], entries[0].ID)
	assert.Equal(t, "e", entries[2].Values["i"])
}

func TestMemory_PubSub(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	sub, err := m.Subscribe(ctx, "ch")
	require.NoError(t, err)
	require.NoError(t, m.Publish(ctx, "ch", []byte("hello")))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "hello", string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	require.NoError(t, sub.Close())
	require.NoError(t, m.Publish(ctx, "ch", []byte("after close")))
	_, open := <-sub.Messages()
	assert.False(t, open)
}

func TestCompareIDs(t *testing.T) {
	assert.Equal(t, -1, compareIDs("1-0", "1-1"))
	assert.Equal(t, 1, compareIDs("2-0", "1-9"))
	assert.Equal(t, 0, compareIDs("5-3", "5-3"))
}
