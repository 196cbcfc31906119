package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/multiclient/pkg/backend"
	"github.com/fortiblox/multiclient/pkg/backend/backendtest"
	"github.com/fortiblox/multiclient/pkg/config"
	"github.com/fortiblox/multiclient/pkg/keystore"
	"github.com/fortiblox/multiclient/pkg/promise"
	"github.com/fortiblox/multiclient/pkg/sched"
	"github.com/fortiblox/multiclient/pkg/tonapi"
)

type callbackEvent struct {
	workerID  int64
	requestID uint64
	result    string
	err       *tonapi.Error
}

type recorder struct {
	mu     sync.Mutex
	events []callbackEvent
}

func (r *recorder) OnResult(workerID int64, requestID uint64, result json.RawMessage) {
	r.mu.Lock()
	r.events = append(r.events, callbackEvent{workerID: workerID, requestID: requestID, result: string(result)})
	r.mu.Unlock()
}

func (r *recorder) OnError(workerID int64, requestID uint64, err *tonapi.Error) {
	r.mu.Lock()
	r.events = append(r.events, callbackEvent{workerID: workerID, requestID: requestID, err: err})
	r.mu.Unlock()
}

func (r *recorder) snapshot() []callbackEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]callbackEvent(nil), r.events...)
}

func newScheduler(t *testing.T) *sched.Scheduler {
	t.Helper()
	s := sched.New(2)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func newWorker(t *testing.T, b backend.Backend, cfg Config) *Client {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	if cfg.InitRetryInterval == 0 {
		cfg.InitRetryInterval = 10 * time.Millisecond
	}
	c := New(newScheduler(t), b, cfg)
	t.Cleanup(func() { c.Close() })
	return c
}

func await[T any](t *testing.T, ch <-chan promise.Result[T]) promise.Result[T] {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return promise.Result[T]{}
	}
}

func TestInitRetriesUntilSuccess(t *testing.T) {
	fake := backendtest.New(backendtest.Node(40_000_000, false))
	fake.SetInitError(errors.New("connection refused"))

	c := newWorker(t, fake, Config{Node: config.Node{Index: 3}, SkipSync: true})
	c.Start()

	require.Eventually(t, func() bool { return fake.InitCalls() >= 3 }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, c.Inited())

	fake.SetInitError(nil)
	require.Eventually(t, c.Inited, 5*time.Second, 5*time.Millisecond)
	assert.False(t, c.Synced())
	assert.Equal(t, 3, c.ID())

	calls := fake.InitCalls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, fake.InitCalls(), "init must stop after the first success")
}

func TestSyncAfterInitIsRecorded(t *testing.T) {
	fake := backendtest.New(func(ctx context.Context, fn tonapi.Function) (json.RawMessage, error) {
		if _, ok := fn.(tonapi.Sync); ok {
			return json.RawMessage(`{"@type":"ton.blockIdExt","workchain":-1,"shard":"-9223372036854775808","seqno":123}`), nil
		}
		return json.RawMessage(`{}`), nil
	})

	ks, err := keystore.Open(t.TempDir())
	require.NoError(t, err)

	c := newWorker(t, fake, Config{KeyStore: ks})
	c.Start()

	require.Eventually(t, c.Synced, 5*time.Second, 5*time.Millisecond)
	assert.True(t, c.Inited())

	count, err := ks.InitCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	seqno, _, ok, err := ks.LastSync()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(123), seqno)
}

func TestSendResolvesTrackedPromise(t *testing.T) {
	fake := backendtest.New(backendtest.Node(40_000_000, true))
	c := newWorker(t, fake, Config{SkipSync: true})
	c.Start()
	require.Eventually(t, c.Inited, 5*time.Second, 5*time.Millisecond)

	p, ch := promise.NewFuture[json.RawMessage]()
	c.Send(tonapi.GetMasterchainInfo{}, p)

	r := await(t, ch)
	require.NoError(t, r.Err)
	var info tonapi.MasterchainInfo
	require.NoError(t, json.Unmarshal(r.Value, &info))
	assert.Equal(t, int32(40_000_000), info.Last.Seqno)
}

func TestSendForwardsBackendError(t *testing.T) {
	fake := backendtest.New(backendtest.Respond(nil, tonapi.NewError(651, "block not found")))
	c := newWorker(t, fake, Config{SkipSync: true})
	c.Start()

	p, ch := promise.NewFuture[json.RawMessage]()
	c.Send(tonapi.ArchivalProbe(), p)

	r := await(t, ch)
	var te *tonapi.Error
	require.ErrorAs(t, r.Err, &te)
	assert.Equal(t, int32(651), te.Code)
}

func TestConcurrentSendsAreMatched(t *testing.T) {
	fake := backendtest.New(func(ctx context.Context, fn tonapi.Function) (json.RawMessage, error) {
		f := fn.(tonapi.GetMasterchainBlockSignatures)
		time.Sleep(time.Duration(f.Seqno%5) * time.Millisecond)
		return json.Marshal(f.Seqno)
	})
	c := newWorker(t, fake, Config{SkipSync: true})
	c.Start()

	const n = 50
	chans := make([]<-chan promise.Result[json.RawMessage], n)
	for i := 0; i < n; i++ {
		p, ch := promise.NewFuture[json.RawMessage]()
		chans[i] = ch
		c.Send(tonapi.GetMasterchainBlockSignatures{Seqno: int32(i)}, p)
	}

	for i, ch := range chans {
		r := await(t, ch)
		require.NoError(t, r.Err)
		var got int32
		require.NoError(t, json.Unmarshal(r.Value, &got))
		assert.Equal(t, int32(i), got)
	}
}

func TestSendJSON(t *testing.T) {
	fake := backendtest.New(backendtest.Node(40_000_000, true))
	c := newWorker(t, fake, Config{SkipSync: true})
	c.Start()

	p, ch := promise.NewFuture[string]()
	c.SendJSON(`{"@type":"blocks.getMasterchainInfo"}`, p)
	r := await(t, ch)
	require.NoError(t, r.Err)
	assert.Contains(t, r.Value, `"seqno":40000000`)

	p, ch = promise.NewFuture[string]()
	c.SendJSON(`{"@type":"no.suchFunction"}`, p)
	r = await(t, ch)
	assert.ErrorIs(t, r.Err, ErrDecodeRequest)
	assert.ErrorIs(t, r.Err, tonapi.ErrUnknownType)

	p, ch = promise.NewFuture[string]()
	c.SendJSON(`not json`, p)
	r = await(t, ch)
	assert.ErrorIs(t, r.Err, ErrDecodeRequest)

	assert.Equal(t, []string{"blocks.getMasterchainInfo"}, fake.Requests())
}

func TestSendCallback(t *testing.T) {
	fake := backendtest.New(backendtest.Respond(json.RawMessage(`{"ok":true}`), nil))
	rec := &recorder{}
	c := newWorker(t, fake, Config{Node: config.Node{Index: 2}, SkipSync: true, Callback: rec})
	c.Start()

	require.NoError(t, c.SendCallback(77, tonapi.GetMasterchainInfo{}))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 5*time.Second, 5*time.Millisecond)

	ev := rec.snapshot()[0]
	assert.Equal(t, int64(2), ev.workerID)
	assert.Equal(t, uint64(77), ev.requestID)
	assert.Equal(t, `{"ok":true}`, ev.result)
	assert.Nil(t, ev.err)
}

func TestSendCallbackErrorIsConverted(t *testing.T) {
	fake := backendtest.New(backendtest.Dead())
	rec := &recorder{}
	c := newWorker(t, fake, Config{SkipSync: true, Callback: rec})
	c.Start()

	require.NoError(t, c.SendCallback(5, tonapi.GetMasterchainInfo{}))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 5*time.Second, 5*time.Millisecond)

	ev := rec.snapshot()[0]
	require.NotNil(t, ev.err)
	assert.Equal(t, int32(500), ev.err.Code)
	assert.Equal(t, backendtest.ErrDead.Error(), ev.err.Message)
}

func TestSendCallbackWithoutCallback(t *testing.T) {
	fake := backendtest.New(backendtest.Node(1, true))
	c := newWorker(t, fake, Config{SkipSync: true})

	assert.ErrorIs(t, c.SendCallback(1, tonapi.GetMasterchainInfo{}), ErrNoCallback)
	assert.Empty(t, fake.Requests())
}

func TestUntrackedNotificationGoesToCallback(t *testing.T) {
	fake := backendtest.New(backendtest.Node(1, true))
	rec := &recorder{}
	c := newWorker(t, fake, Config{Node: config.Node{Index: 4}, SkipSync: true, Callback: rec})
	c.Start()

	fake.Push(backend.Notification{RequestID: 9999, Result: json.RawMessage(`{"@type":"updateSyncState"}`)})
	fake.Push(backend.Notification{RequestID: 10000, Err: tonapi.NewError(429, "too many requests")})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 5*time.Second, 5*time.Millisecond)
	events := rec.snapshot()
	assert.Equal(t, callbackEvent{workerID: 4, requestID: 9999, result: `{"@type":"updateSyncState"}`}, events[0])
	assert.Equal(t, uint64(10000), events[1].requestID)
	assert.Equal(t, int32(429), events[1].err.Code)
}

func TestNotificationDoesNotResolveTrackedRequest(t *testing.T) {
	fake := backendtest.New(backendtest.Hang())
	rec := &recorder{}
	c := newWorker(t, fake, Config{Node: config.Node{Index: 2}, SkipSync: true, Callback: rec})
	c.Start()

	p, ch := promise.NewFuture[json.RawMessage]()
	c.Send(tonapi.GetMasterchainInfo{}, p)
	require.Eventually(t, func() bool { return fake.Count("blocks.getMasterchainInfo") == 1 }, 5*time.Second, 5*time.Millisecond)

	// The first tracked request gets local id 1.
	fake.Push(backend.Notification{RequestID: 1, Result: json.RawMessage(`{"@type":"updateSyncState"}`)})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, callbackEvent{workerID: 2, requestID: 1, result: `{"@type":"updateSyncState"}`}, rec.snapshot()[0])

	select {
	case r := <-ch:
		t.Fatalf("tracked request resolved by pushed event: %s %v", r.Value, r.Err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, p.Done())
}

func TestSendAfterClose(t *testing.T) {
	fake := backendtest.New(backendtest.Node(1, true))
	c := newWorker(t, fake, Config{SkipSync: true, Callback: &recorder{}})
	c.Start()

	require.NoError(t, c.Close())
	assert.True(t, fake.Closed())

	p, ch := promise.NewFuture[json.RawMessage]()
	c.Send(tonapi.GetMasterchainInfo{}, p)
	assert.ErrorIs(t, await(t, ch).Err, ErrClosed)
	assert.ErrorIs(t, c.SendCallback(1, tonapi.GetMasterchainInfo{}), ErrClosed)

	require.NoError(t, c.Close())
}

func TestCloseInterruptsInitLoop(t *testing.T) {
	fake := backendtest.New(backendtest.Node(1, true))
	fake.SetInitError(errors.New("down"))

	c := New(newScheduler(t), fake, Config{Logger: zerolog.Nop(), InitRetryInterval: time.Hour})
	c.Start()
	require.Eventually(t, func() bool { return fake.InitCalls() == 1 }, 5*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on the init retry delay")
	}
	assert.False(t, c.Inited())
}
