// ABOUTME: Tests for the subscription manager fan-out
// ABOUTME: Covers exact and wildcard matching, failure isolation and teardown

package subscription

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects notifications delivered to a callback.
type recorder struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recorder) callback(n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recorder) uris() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.got))
	for i, n := range r.got {
		out[i] = n.URI
	}
	return out
}

func TestSubscribe_RejectsMalformedURI(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	_, err := m.Subscribe("deepr://campaigns/job-1", func(Notification) error { return nil }, false)
	assert.ErrorIs(t, err, ErrInvalidURI)

	_, err = m.Subscribe("not a uri", func(Notification) error { return nil }, true)
	assert.ErrorIs(t, err, ErrInvalidURI)

	_, err = m.Subscribe("deepr://campaigns/job-1/status", nil, false)
	assert.ErrorIs(t, err, ErrNilCallback)

	assert.Equal(t, 0, m.Count())
}

func TestEmit_ExactMatch(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	var rec recorder
	_, err := m.Subscribe("deepr://campaigns/job-1/status", rec.callback, false)
	require.NoError(t, err)

	n := m.Emit("deepr://campaigns/job-1/status", map[string]any{"phase": "executing"})
	assert.Equal(t, 1, n)

	n = m.Emit("deepr://campaigns/job-1/plan", nil)
	assert.Equal(t, 0, n)

	assert.Equal(t, []string{"deepr://campaigns/job-1/status"}, rec.uris())
}

func TestEmit_WildcardCoversSubresourcesOfOneBase(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	var rec recorder
	_, err := m.Subscribe("deepr://campaigns/base/*", rec.callback, true)
	require.NoError(t, err)

	assert.Equal(t, 1, m.Emit("deepr://campaigns/base/status", nil))
	assert.Equal(t, 1, m.Emit("deepr://campaigns/base/plan", nil))
	assert.Equal(t, 1, m.Emit("deepr://campaigns/base/beliefs", nil))
	assert.Equal(t, 0, m.Emit("deepr://campaigns/other/status", nil))
	assert.Equal(t, 0, m.Emit("deepr://campaigns/base2/status", nil))
	assert.Equal(t, 0, m.Emit("deepr://reports/base/final.md", nil))

	assert.Len(t, rec.uris(), 3)
}

func TestEmit_WildcardStoresBaseOnly(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	_, err := m.Subscribe("deepr://campaigns/job-1/status", func(Notification) error { return nil }, true)
	require.NoError(t, err)

	subs := m.List()
	require.Len(t, subs, 1)
	assert.Equal(t, "deepr://campaigns/job-1", subs[0].URI)
	assert.True(t, subs[0].Wildcard)
}

func TestEmit_FailingCallbackDoesNotBlockOthers(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	uri := "deepr://campaigns/job-1/status"
	var rec recorder

	_, err := m.Subscribe(uri, func(Notification) error { return errors.New("boom") }, false)
	require.NoError(t, err)
	_, err = m.Subscribe(uri, func(Notification) error { panic("kaboom") }, false)
	require.NoError(t, err)
	_, err = m.Subscribe(uri, rec.callback, false)
	require.NoError(t, err)

	assert.Equal(t, 3, m.Emit(uri, "data"))
	assert.Len(t, rec.uris(), 1)

	var failed, delivered int
	for _, info := range m.List() {
		failed += info.Failed
		delivered += info.Delivered
	}
	assert.Equal(t, 2, failed)
	assert.Equal(t, 1, delivered)
}

func TestEmit_SlowSubscriberDoesNotDelayOthers(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	uri := "deepr://campaigns/job-1/status"
	release := make(chan struct{})
	fastDone := make(chan struct{})

	_, err := m.Subscribe(uri, func(Notification) error {
		<-release
		return nil
	}, false)
	require.NoError(t, err)
	_, err = m.Subscribe(uri, func(Notification) error {
		close(fastDone)
		return nil
	}, false)
	require.NoError(t, err)

	go m.Emit(uri, nil)

	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber was blocked by slow subscriber")
	}
	close(release)
}

func TestRecipientsAndEmitTo(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	uri := "deepr://campaigns/job-1/status"
	var exact, wild, other recorder
	exactID, err := m.Subscribe(uri, exact.callback, false)
	require.NoError(t, err)
	wildID, err := m.Subscribe("deepr://campaigns/job-1", wild.callback, true)
	require.NoError(t, err)
	_, err = m.Subscribe("deepr://campaigns/job-2/status", other.callback, false)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{exactID, wildID}, m.Recipients(uri))
	assert.Empty(t, m.Recipients("deepr://campaigns/job-3/status"))

	require.NoError(t, m.EmitTo(exactID, uri, "data"))
	assert.Equal(t, []string{uri}, exact.uris())
	assert.Empty(t, wild.uris())

	failing, err := m.Subscribe(uri, func(Notification) error { return errors.New("boom") }, false)
	require.NoError(t, err)
	assert.EqualError(t, m.EmitTo(failing, uri, nil), "boom")

	require.True(t, m.Unsubscribe(exactID))
	assert.ErrorIs(t, m.EmitTo(exactID, uri, nil), ErrUnknownSubscription)

	for _, info := range m.List() {
		if info.ID == failing {
			assert.Equal(t, 1, info.Failed)
		}
	}
}

func TestEmit_SinglePayloadPerEmit(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	uri := "deepr://campaigns/job-1/status"
	var mu sync.Mutex
	var stamps []time.Time
	for range 3 {
		_, err := m.Subscribe(uri, func(n Notification) error {
			mu.Lock()
			stamps = append(stamps, n.Timestamp)
			mu.Unlock()
			return nil
		}, false)
		require.NoError(t, err)
	}

	m.Emit(uri, nil)

	require.Len(t, stamps, 3)
	assert.Equal(t, stamps[0], stamps[1])
	assert.Equal(t, stamps[1], stamps[2])
}

func TestUnsubscribe(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	var calls atomic.Int32
	id, err := m.Subscribe("deepr://campaigns/job-1/plan", func(Notification) error {
		calls.Add(1)
		return nil
	}, false)
	require.NoError(t, err)

	assert.True(t, m.Unsubscribe(id))
	assert.False(t, m.Unsubscribe(id))
	assert.False(t, m.Unsubscribe("nope"))

	m.Emit("deepr://campaigns/job-1/plan", nil)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, m.Count())
}

func TestUnsubscribeAll(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	noop := func(Notification) error { return nil }
	_, _ = m.Subscribe("deepr://campaigns/job-1/status", noop, false)
	_, _ = m.Subscribe("deepr://campaigns/job-1", noop, true)
	_, _ = m.Subscribe("deepr://reports/job-1/final.md", noop, false)

	assert.Equal(t, 2, m.UnsubscribeAll("deepr://campaigns/"))
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, 1, m.UnsubscribeAll(""))
	assert.Equal(t, 0, m.Count())
}

func TestNotificationEnvelope(t *testing.T) {
	n := Notification{URI: "deepr://campaigns/job-1/status", Data: 1, Timestamp: time.Unix(0, 0)}
	env := n.Envelope()
	assert.Equal(t, "2.0", env.JSONRPC)
	assert.Equal(t, ProtocolVersion, env.ProtocolVersion)
	assert.Equal(t, "notifications/resources/updated", env.Method)
	assert.Equal(t, n, env.Params)
}

func TestConcurrentSubscribeEmit(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id, err := m.Subscribe("deepr://campaigns/job-1", func(Notification) error { return nil }, true)
			if err == nil {
				m.Unsubscribe(id)
			}
		}()
		go func() {
			defer wg.Done()
			m.Emit("deepr://campaigns/job-1/status", nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, m.Count())
}
