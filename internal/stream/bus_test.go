package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/gammaflow/internal/store"
)

type recordingMirror struct {
	subjects []string
	fail     bool
}

func (m *recordingMirror) Publish(subject string, _ []byte) error {
	m.subjects = append(m.subjects, subject)
	if m.fail {
		return errors.New("nats down")
	}
	return nil
}

func TestEnvelopeChecksum(t *testing.T) {
	env := NewEnvelope("payoff", "SPX", 7, json.RawMessage(`{"changed":{}}`), time.Unix(1, 0))
	require.NoError(t, Validate(env))

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(7), decoded.Version)

	env.Version = 8
	assert.ErrorContains(t, Validate(env), "checksum")

	assert.Error(t, Validate(Envelope{Model: "payoff", Symbol: "SPX", Format: 1}))
	_, err = Decode([]byte("{"))
	assert.Error(t, err)
}

func TestBroadcastDeliversAndMirrors(t *testing.T) {
	mem := store.NewMemory()
	mirror := &recordingMirror{}
	b := NewBroadcaster(mem, mirror)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "payoff", "SPX")
	require.NoError(t, err)
	defer sub.Close()

	env := NewEnvelope("payoff", "SPX", 1, json.RawMessage(`{"changed":{"a":1}}`), time.Now())
	require.NoError(t, b.Broadcast(ctx, env))

	select {
	case msg := <-sub.Messages():
		got, err := Decode(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, env.Checksum, got.Checksum)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
	assert.Equal(t, []string{"gammaflow.payoff.SPX"}, mirror.subjects)
	assert.Equal(t, "ok", b.Health().Status)
}

func TestBroadcastSurvivesMirrorFailure(t *testing.T) {
	mirror := &recordingMirror{fail: true}
	b := NewBroadcaster(store.NewMemory(), mirror)

	env := NewEnvelope("payoff", "SPX", 1, json.RawMessage(`{}`), time.Now())
	require.NoError(t, b.Broadcast(context.Background(), env))

	h := b.Health()
	assert.Equal(t, int64(1), h.Sent)
	assert.Equal(t, int64(1), h.Errors)
	assert.Equal(t, "mirror degraded", h.Status)

	assert.Equal(t, "mirror disabled", NewBroadcaster(store.NewMemory(), nil).Health().Status)
}
