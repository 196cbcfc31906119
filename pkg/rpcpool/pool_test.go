package rpcpool

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/multiclient/pkg/backend"
	"github.com/fortiblox/multiclient/pkg/backend/backendtest"
	"github.com/fortiblox/multiclient/pkg/config"
	"github.com/fortiblox/multiclient/pkg/keystore"
	"github.com/fortiblox/multiclient/pkg/promise"
	"github.com/fortiblox/multiclient/pkg/request"
	"github.com/fortiblox/multiclient/pkg/sched"
	"github.com/fortiblox/multiclient/pkg/session"
	"github.com/fortiblox/multiclient/pkg/tonapi"
	"github.com/fortiblox/multiclient/pkg/worker"
)

const testSeqno = 40_000_000

const signaturesType = "blocks.getMasterchainBlockSignatures"

// fastConfig probes every few milliseconds and never repeats the archival
// sweep on its own.
func fastConfig() Config {
	return Config{
		CheckInterval:      5 * time.Millisecond,
		FirstCheckDelay:    time.Millisecond,
		ArchivalInterval:   time.Hour,
		FirstArchivalDelay: 20 * time.Millisecond,
		RetryInterval:      10 * time.Millisecond,
		InitRetryInterval:  5 * time.Millisecond,
		SkipSync:           true,
	}
}

func newTestPool(t *testing.T, backends []*backendtest.Backend, cfg Config, opts ...Option) *Pool {
	t.Helper()
	s := sched.New(2)
	s.Start()
	t.Cleanup(s.Stop)

	nodes := make([]config.Node, len(backends))
	p, err := New(s, nodes, backendtest.Factory(backends...), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p
}

// idlePool builds a pool that is never started, so selection can be tested
// against hand-set health state.
func idlePool(t *testing.T, n int, alive, archival []int, opts ...Option) *Pool {
	t.Helper()
	backends := make([]*backendtest.Backend, n)
	for i := range backends {
		backends[i] = backendtest.New(backendtest.Dead())
	}
	p := newTestPool(t, backends, fastConfig(), opts...)
	for _, i := range alive {
		p.workers[i].alive = true
	}
	for _, i := range archival {
		p.workers[i].archival = true
	}
	return p
}

// serving answers probes like a liveness-checked node and routes signature
// requests to h.
func serving(seqno int32, archival bool, h backendtest.Handler) backendtest.Handler {
	node := backendtest.Node(seqno, archival)
	return func(ctx context.Context, fn tonapi.Function) (json.RawMessage, error) {
		if fn.TypeName() == signaturesType {
			return h(ctx, fn)
		}
		return node(ctx, fn)
	}
}

func after(d time.Duration, result json.RawMessage, err error) backendtest.Handler {
	return func(ctx context.Context, fn tonapi.Function) (json.RawMessage, error) {
		select {
		case <-time.After(d):
			return result, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
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

func status(t *testing.T, p *Pool) []WorkerStatus {
	t.Helper()
	out, ch := promise.NewFuture[[]WorkerStatus]()
	p.Status(out)
	r := await(t, ch)
	require.NoError(t, r.Err)
	return r.Value
}

func indexesWhere(infos []WorkerStatus, pred func(WorkerStatus) bool) []int {
	var out []int
	for _, s := range infos {
		if pred(s) {
			out = append(out, s.Index)
		}
	}
	return out
}

func waitAlive(t *testing.T, p *Pool, want ...int) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := indexesWhere(status(t, p), func(s WorkerStatus) bool { return s.Alive })
		return assert.ObjectsAreEqual(want, got)
	}, 5*time.Second, 5*time.Millisecond)
}

func newSession(t *testing.T, p *Pool, params request.Parameters) (*session.Session, error) {
	t.Helper()
	out, ch := promise.NewFuture[*session.Session]()
	p.Session(params, nil, out)
	r := await(t, ch)
	return r.Value, r.Err
}

func send(t *testing.T, p *Pool, req request.Request) (json.RawMessage, error) {
	t.Helper()
	out, ch := promise.NewFuture[json.RawMessage]()
	p.Send(req, out)
	r := await(t, ch)
	return r.Value, r.Err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

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

func TestNewPoolRequiresNodes(t *testing.T) {
	s := sched.New(1)
	_, err := New(s, nil, backendtest.Factory(), DefaultConfig())
	assert.ErrorIs(t, err, config.ErrNoLiteServers)

	_, err = New(s, make([]config.Node, 1), nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewPoolClosesWorkersOnFactoryError(t *testing.T) {
	s := sched.New(1)
	first := backendtest.New(backendtest.Dead())
	_, err := New(s, make([]config.Node, 2), backendtest.Factory(first), DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node 1")
	assert.True(t, first.Closed())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	assert.Equal(t, DefaultConfig(), cfg)
	require.NoError(t, cfg.Validate())

	cfg.MaxConsecutiveCheckErrors = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = Config{RetryInterval: -time.Second}.WithDefaults()
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestSelectWorkersRejectsInvalidParameters(t *testing.T) {
	p := idlePool(t, 3, []int{0, 1, 2}, []int{0, 1, 2})

	tests := []struct {
		name   string
		params request.Parameters
	}{
		{"single with two indexes", request.Parameters{Mode: request.Single, LiteServerIndexes: []int{0, 1}}},
		{"multiple without selector", request.Parameters{Mode: request.Multiple}},
		{"multiple with both selectors", request.Parameters{Mode: request.Multiple, LiteServerIndexes: []int{0}, ClientsNumber: request.Clients(1)}},
		{"unknown mode", request.Parameters{Mode: request.Mode(42)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, p.selectWorkers(tt.params))
		})
	}
}

func TestSelectWorkersBroadcast(t *testing.T) {
	p := idlePool(t, 5, []int{0, 1, 3}, nil)

	got := p.selectWorkers(request.Parameters{Mode: request.Broadcast})
	assert.Equal(t, []int{0, 1, 3}, got)

	got = p.selectWorkers(request.Parameters{Mode: request.Broadcast, LiteServerIndexes: []int{4}, ClientsNumber: request.Clients(1)})
	assert.Equal(t, []int{0, 1, 3}, got, "broadcast ignores selectors")
}

func TestSelectWorkersMultipleClientsNumber(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		p := idlePool(t, 6, []int{0, 2, 3, 5}, nil, WithRand(rand.New(rand.NewSource(seed))))
		candidates := map[int]bool{0: true, 2: true, 3: true, 5: true}

		for k := 0; k <= 6; k++ {
			got := p.selectWorkers(request.Parameters{Mode: request.Multiple, ClientsNumber: request.Clients(k)})
			assert.Len(t, got, min(k, len(candidates)))

			seen := make(map[int]bool)
			for _, idx := range got {
				assert.True(t, candidates[idx], "index %d is not a candidate", idx)
				assert.False(t, seen[idx], "index %d selected twice", idx)
				seen[idx] = true
			}
		}
	}
}

func TestSelectWorkersMultipleIndexes(t *testing.T) {
	p := idlePool(t, 5, []int{0, 2, 4}, nil)

	got := p.selectWorkers(request.Parameters{Mode: request.Multiple, LiteServerIndexes: []int{4, 0, 9, 1, 0}})
	assert.Equal(t, []int{0, 4}, got)

	got = p.selectWorkers(request.Parameters{Mode: request.Multiple, LiteServerIndexes: []int{}})
	assert.Empty(t, got)
}

func TestSelectWorkersSingle(t *testing.T) {
	p := idlePool(t, 4, []int{1, 2}, nil)

	assert.Equal(t, []int{2}, p.selectWorkers(request.Parameters{Mode: request.Single, LiteServerIndexes: []int{2}}))
	assert.Empty(t, p.selectWorkers(request.Parameters{Mode: request.Single, LiteServerIndexes: []int{0}}))

	for _, indexes := range [][]int{nil, {}} {
		seen := make(map[int]bool)
		for i := 0; i < 200; i++ {
			got := p.selectWorkers(request.Parameters{Mode: request.Single, LiteServerIndexes: indexes})
			require.Len(t, got, 1)
			seen[got[0]] = true
		}
		assert.Equal(t, map[int]bool{1: true, 2: true}, seen)
	}
}

func TestSelectWorkersSingleOutOfRange(t *testing.T) {
	p := idlePool(t, 3, []int{0, 1, 2}, nil)

	assert.Empty(t, p.selectWorkers(request.Parameters{Mode: request.Single, LiteServerIndexes: []int{7}}))
	assert.Empty(t, p.selectWorkers(request.Parameters{Mode: request.Single, LiteServerIndexes: []int{-1}}))
}

func TestSelectWorkersArchivalFilter(t *testing.T) {
	// 1 and 3 are dead; 3 still claims to be archival from an old sweep.
	p := idlePool(t, 5, []int{0, 2, 4}, []int{3, 4})

	got := p.selectWorkers(request.Parameters{Mode: request.Multiple, ClientsNumber: request.Clients(2), Archival: true})
	assert.Equal(t, []int{4}, got)

	got = p.selectWorkers(request.Parameters{Mode: request.Broadcast, Archival: true})
	assert.Equal(t, []int{4}, got)

	got = p.selectWorkers(request.Parameters{Mode: request.Broadcast})
	assert.Equal(t, []int{0, 2, 4}, got)
}

func TestSelectWorkersNoCandidates(t *testing.T) {
	p := idlePool(t, 3, nil, nil)

	for _, params := range []request.Parameters{
		{Mode: request.Broadcast},
		{Mode: request.Single},
		{Mode: request.Multiple, ClientsNumber: request.Clients(3)},
	} {
		assert.Empty(t, p.selectWorkers(params))
	}
}

func TestSelectWorkersIsDeterministicForSeed(t *testing.T) {
	params := request.Parameters{Mode: request.Multiple, ClientsNumber: request.Clients(3)}
	alive := []int{0, 1, 2, 3, 4, 5, 6, 7}

	a := idlePool(t, 8, alive, nil, WithRand(rand.New(rand.NewSource(7))))
	b := idlePool(t, 8, alive, nil, WithRand(rand.New(rand.NewSource(7))))
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.selectWorkers(params), b.selectWorkers(params))
	}
}

func TestProbesClassifyWorkers(t *testing.T) {
	backends := []*backendtest.Backend{
		backendtest.New(backendtest.Node(testSeqno, false)),
		backendtest.New(backendtest.Dead()),
		backendtest.New(backendtest.Node(testSeqno+1, false)),
		backendtest.New(backendtest.Dead()),
		backendtest.New(backendtest.Node(testSeqno+2, true)),
	}

	var mu sync.Mutex
	changes := make(map[int]bool)

	p := newTestPool(t, backends, fastConfig())
	p.SetOnHealthChange(func(index int, alive bool, seqno int32) {
		mu.Lock()
		changes[index] = alive
		mu.Unlock()
	})
	p.Start()

	waitAlive(t, p, 0, 2, 4)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int{4}, indexesWhere(status(t, p), func(s WorkerStatus) bool { return s.Archival }))
	}, 5*time.Second, 5*time.Millisecond)

	sess, err := newSession(t, p, request.Parameters{Mode: request.Multiple, ClientsNumber: request.Clients(2), Archival: true})
	require.NoError(t, err)
	assert.Equal(t, []int{4}, sess.Workers())

	infos := status(t, p)
	assert.Equal(t, int32(testSeqno+2), infos[4].LastSeqno)
	assert.Equal(t, int32(-1), infos[1].LastSeqno)
	assert.True(t, infos[0].Inited)
	assert.False(t, infos[0].Synced)

	mu.Lock()
	assert.Equal(t, map[int]bool{0: true, 2: true, 4: true}, changes)
	mu.Unlock()

	// The archival probe never marks a worker dead.
	assert.True(t, infos[0].Alive)
	assert.False(t, infos[0].Archival)
}

func TestDeadWorkerWaitsForBackoff(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	fake := backendtest.New(backendtest.Node(testSeqno, false))

	cfg := fastConfig()
	cfg.RetryInterval = time.Minute
	p := newTestPool(t, []*backendtest.Backend{fake}, cfg, WithClock(clock.Now))
	p.Start()
	waitAlive(t, p, 0)

	fake.SetHandler(backendtest.Dead())
	waitAlive(t, p)

	// Ineligible immediately.
	_, err := newSession(t, p, request.Parameters{Mode: request.Broadcast})
	assert.ErrorIs(t, err, ErrNoWorkers)

	// Recovered backend is not probed until the backoff has elapsed.
	fake.SetHandler(backendtest.Node(testSeqno+5, false))
	probes := fake.Count("blocks.getMasterchainInfo")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, probes, fake.Count("blocks.getMasterchainInfo"))
	assert.False(t, status(t, p)[0].Alive)

	clock.Advance(2 * time.Minute)
	waitAlive(t, p, 0)

	infos := status(t, p)
	assert.Equal(t, 0, infos[0].RetryCount)
	assert.True(t, infos[0].RetryAfter.IsZero())
	assert.Equal(t, int32(testSeqno+5), infos[0].LastSeqno)
}

func TestLateJoinerGetsArchivalProbe(t *testing.T) {
	early := backendtest.New(backendtest.Node(testSeqno, true))
	late := backendtest.New(backendtest.Dead())

	p := newTestPool(t, []*backendtest.Backend{early, late}, fastConfig())
	p.Start()

	require.Eventually(t, func() bool { return status(t, p)[0].Archival }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, late.Count("blocks.lookupBlock"))

	late.SetHandler(backendtest.Node(testSeqno, true))
	require.Eventually(t, func() bool {
		s := status(t, p)[1]
		return s.Alive && s.Archival
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, late.Count("blocks.lookupBlock"))
}

func TestMaxConsecutiveCheckErrorsRetiresWorker(t *testing.T) {
	fake := backendtest.New(backendtest.Dead())

	cfg := fastConfig()
	cfg.RetryInterval = time.Millisecond
	cfg.MaxConsecutiveCheckErrors = 2
	p := newTestPool(t, []*backendtest.Backend{fake}, cfg)
	p.Start()

	require.Eventually(t, func() bool { return fake.Count("blocks.getMasterchainInfo") == 3 }, 5*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, fake.Count("blocks.getMasterchainInfo"))
	assert.Equal(t, 3, status(t, p)[0].RetryCount)
}

func TestLivenessCheckWithoutChainHeadFails(t *testing.T) {
	fake := backendtest.New(backendtest.Respond(json.RawMessage(`null`), nil))

	p := newTestPool(t, []*backendtest.Backend{fake}, fastConfig())
	p.Start()

	tests := []json.RawMessage{
		json.RawMessage(`null`),
		json.RawMessage(`{}`),
		json.RawMessage(`{"@type":"blocks.masterchainInfo","last":{"seqno":0}}`),
	}
	for _, result := range tests {
		fake.SetHandler(backendtest.Respond(result, nil))
		probes := fake.Count("blocks.getMasterchainInfo")
		require.Eventually(t, func() bool {
			return fake.Count("blocks.getMasterchainInfo") >= probes+2
		}, 5*time.Second, 5*time.Millisecond, "result %s", result)

		infos := status(t, p)
		assert.False(t, infos[0].Alive, "result %s", result)
		assert.Equal(t, int32(-1), infos[0].LastSeqno, "result %s", result)
	}

	out, ch := promise.NewFuture[int32]()
	p.ConsensusBlock(out)
	assert.ErrorIs(t, await(t, ch).Err, ErrNoWorkers)

	fake.SetHandler(backendtest.Node(testSeqno, false))
	waitAlive(t, p, 0)
	assert.Equal(t, int32(testSeqno), status(t, p)[0].LastSeqno)
}

func TestBroadcastFirstSuccessWins(t *testing.T) {
	a := backendtest.New(serving(testSeqno, false, after(50*time.Millisecond, json.RawMessage(`"A"`), nil)))
	b := backendtest.New(serving(testSeqno, false, after(10*time.Millisecond, nil, errors.New("B failed"))))
	c := backendtest.New(serving(testSeqno, false, backendtest.Hang()))

	p := newTestPool(t, []*backendtest.Backend{a, b, c}, fastConfig())
	p.Start()
	waitAlive(t, p, 0, 1, 2)

	start := time.Now()
	raw, err := send(t, p, request.Request{
		Parameters: request.Parameters{Mode: request.Broadcast},
		Function:   tonapi.GetMasterchainBlockSignatures{Seqno: 1},
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, `"A"`, string(raw))
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, 1, c.Count(signaturesType))
}

func TestSendAllFailedReturnsAggregate(t *testing.T) {
	failing := errors.New("boom")
	backends := []*backendtest.Backend{
		backendtest.New(serving(testSeqno, false, backendtest.Respond(nil, failing))),
		backendtest.New(serving(testSeqno, false, backendtest.Respond(nil, tonapi.NewError(651, "not found")))),
	}
	p := newTestPool(t, backends, fastConfig())
	p.Start()
	waitAlive(t, p, 0, 1)

	_, err := send(t, p, request.Request{
		Parameters: request.Parameters{Mode: request.Broadcast},
		Function:   tonapi.GetMasterchainBlockSignatures{Seqno: 1},
	})

	var agg *promise.AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Equal(t, "all 2 requests failed", agg.Error())
	require.Len(t, agg.Errors, 2)

	workers := []int{agg.Errors[0].Worker, agg.Errors[1].Worker}
	sort.Ints(workers)
	assert.Equal(t, []int{0, 1}, workers)
	assert.ErrorIs(t, err, failing)

	var te *tonapi.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int32(651), te.Code)
}

func TestSendWithoutWorkers(t *testing.T) {
	p := newTestPool(t, []*backendtest.Backend{backendtest.New(backendtest.Dead())}, fastConfig())
	p.Start()

	_, err := send(t, p, request.Request{
		Parameters: request.Parameters{Mode: request.Multiple, ClientsNumber: request.Clients(2), Archival: true},
		Function:   tonapi.GetMasterchainInfo{},
	})
	assert.ErrorIs(t, err, ErrNoWorkers)
	assert.Contains(t, err.Error(), "mode=multiple clients_number=2 archival=true")

	_, err = send(t, p, request.Request{Parameters: request.Parameters{Mode: request.Broadcast}})
	assert.ErrorIs(t, err, request.ErrInvalidParameters)
}

func TestSendWithSessionSkipsHealthFilter(t *testing.T) {
	// Worker 0 fails every probe but answers signature requests.
	dead := backendtest.New(func(ctx context.Context, fn tonapi.Function) (json.RawMessage, error) {
		if fn.TypeName() == signaturesType {
			return json.RawMessage(`"pinned"`), nil
		}
		return nil, backendtest.ErrDead
	})
	p := newTestPool(t, []*backendtest.Backend{dead}, fastConfig())
	p.Start()

	req := request.Request{
		Parameters: request.Parameters{Mode: request.Broadcast},
		Session:    session.New([]int{0, 7}),
		Function:   tonapi.GetMasterchainBlockSignatures{Seqno: 1},
	}
	raw, err := send(t, p, req)
	require.NoError(t, err)
	assert.Equal(t, `"pinned"`, string(raw))

	req.Session = session.New([]int{7})
	_, err = send(t, p, req)
	assert.ErrorIs(t, err, ErrUnknownWorker)
	var agg *promise.AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Equal(t, 7, agg.Errors[0].Worker)
}

func TestSendJSON(t *testing.T) {
	fake := backendtest.New(backendtest.Node(testSeqno, true))
	p := newTestPool(t, []*backendtest.Backend{fake}, fastConfig())
	p.Start()
	waitAlive(t, p, 0)

	out, ch := promise.NewFuture[string]()
	p.SendJSON(request.JSON{
		Parameters: request.Parameters{Mode: request.Single},
		Payload:    `{"@type":"blocks.lookupBlock","mode":1,"id":{"workchain":-1,"shard":"-9223372036854775808","seqno":39999999}}`,
	}, out)
	r := await(t, ch)
	require.NoError(t, r.Err)

	var id tonapi.BlockIDExt
	require.NoError(t, json.Unmarshal([]byte(r.Value), &id))
	assert.Equal(t, int32(39_999_999), id.Seqno)

	out, ch = promise.NewFuture[string]()
	p.SendJSON(request.JSON{Parameters: request.Parameters{Mode: request.Single}, Payload: `{"seqno":1}`}, out)
	r = await(t, ch)
	assert.ErrorIs(t, r.Err, worker.ErrDecodeRequest)
	assert.ErrorIs(t, r.Err, tonapi.ErrMissingType)
}

func TestSendCallback(t *testing.T) {
	backends := []*backendtest.Backend{
		backendtest.New(serving(testSeqno, false, backendtest.Respond(json.RawMessage(`{"n":0}`), nil))),
		backendtest.New(serving(testSeqno, false, backendtest.Respond(nil, tonapi.NewError(429, "slow down")))),
	}
	rec := &recorder{}
	p := newTestPool(t, backends, fastConfig(), WithCallback(rec))
	p.Start()
	waitAlive(t, p, 0, 1)

	require.NoError(t, p.SendCallback(request.Callback{
		Parameters: request.Parameters{Mode: request.Broadcast},
		Function:   tonapi.GetMasterchainBlockSignatures{Seqno: 1},
		RequestID:  42,
	}))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 5*time.Second, 5*time.Millisecond)

	events := rec.snapshot()
	sort.Slice(events, func(i, j int) bool { return events[i].workerID < events[j].workerID })
	assert.Equal(t, callbackEvent{workerID: 0, requestID: 42, result: `{"n":0}`}, events[0])
	assert.Equal(t, int64(1), events[1].workerID)
	assert.Equal(t, uint64(42), events[1].requestID)
	assert.Equal(t, int32(429), events[1].err.Code)
}

func TestSendCallbackWithoutWorkers(t *testing.T) {
	rec := &recorder{}
	p := newTestPool(t, []*backendtest.Backend{backendtest.New(backendtest.Dead())}, fastConfig(), WithCallback(rec))

	require.NoError(t, p.SendCallback(request.Callback{
		Parameters: request.Parameters{Mode: request.Single},
		Function:   tonapi.GetMasterchainInfo{},
		RequestID:  9,
	}))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 5*time.Second, 5*time.Millisecond)

	ev := rec.snapshot()[0]
	assert.Equal(t, int64(-1), ev.workerID)
	assert.Equal(t, uint64(9), ev.requestID)
	assert.Equal(t, int32(400), ev.err.Code)
	assert.Contains(t, ev.err.Message, "no workers available")
}

func TestSendCallbackRequiresCallback(t *testing.T) {
	p := idlePool(t, 1, []int{0}, nil)
	err := p.SendCallback(request.Callback{Parameters: request.Parameters{Mode: request.Single}, Function: tonapi.GetMasterchainInfo{}})
	assert.ErrorIs(t, err, ErrNoCallback)
}

func TestSessionReusesValidSession(t *testing.T) {
	p := idlePool(t, 3, []int{0, 1, 2}, nil)
	existing := session.New([]int{1})

	out, ch := promise.NewFuture[*session.Session]()
	p.Session(request.Parameters{Mode: request.Broadcast}, existing, out)
	r := await(t, ch)
	require.NoError(t, r.Err)
	assert.Same(t, existing, r.Value)

	out, ch = promise.NewFuture[*session.Session]()
	p.Session(request.Parameters{Mode: request.Broadcast}, session.New(nil), out)
	r = await(t, ch)
	require.NoError(t, r.Err)
	assert.Equal(t, []int{0, 1, 2}, r.Value.Workers())
}

func TestConsensusBlock(t *testing.T) {
	p := idlePool(t, 3, nil, nil)

	out, ch := promise.NewFuture[int32]()
	p.ConsensusBlock(out)
	assert.ErrorIs(t, await(t, ch).Err, ErrNoWorkers)

	p.workers[0].alive, p.workers[0].lastSeqno = true, 100
	p.workers[1].alive, p.workers[1].lastSeqno = true, 200
	p.workers[2].alive, p.workers[2].lastSeqno = false, 300

	out, ch = promise.NewFuture[int32]()
	p.ConsensusBlock(out)
	r := await(t, ch)
	require.NoError(t, r.Err)
	assert.Equal(t, int32(200), r.Value)
}

func TestStoppedPoolRejects(t *testing.T) {
	fake := backendtest.New(backendtest.Node(testSeqno, true))
	p := newTestPool(t, []*backendtest.Backend{fake}, fastConfig(), WithCallback(&recorder{}))
	p.Start()
	p.Stop()
	assert.True(t, fake.Closed())

	_, err := send(t, p, request.Request{Parameters: request.Parameters{Mode: request.Broadcast}, Function: tonapi.GetMasterchainInfo{}})
	assert.ErrorIs(t, err, ErrPoolClosed)

	err = p.SendCallback(request.Callback{Parameters: request.Parameters{Mode: request.Broadcast}, Function: tonapi.GetMasterchainInfo{}})
	assert.ErrorIs(t, err, ErrPoolClosed)

	p.Stop()
}

func TestKeyStoreDirectories(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "stale")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o600))

	cfg := fastConfig()
	cfg.KeyStoreRoot = root
	cfg.ResetKeyStore = true
	backends := []*backendtest.Backend{
		backendtest.New(backendtest.Node(testSeqno, false)),
		backendtest.New(backendtest.Node(testSeqno, false)),
	}
	p := newTestPool(t, backends, cfg)
	p.Start()
	waitAlive(t, p, 0, 1)

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	for i := 0; i < 2; i++ {
		_, err := os.Stat(filepath.Join(keystore.Dir(root, i), keystore.FileName))
		assert.NoError(t, err)
	}
}

var _ backend.ResponseCallback = (*recorder)(nil)
