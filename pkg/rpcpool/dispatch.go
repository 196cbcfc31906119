package rpcpool

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fortiblox/multiclient/pkg/backend"
	"github.com/fortiblox/multiclient/pkg/promise"
	"github.com/fortiblox/multiclient/pkg/request"
	"github.com/fortiblox/multiclient/pkg/session"
	"github.com/fortiblox/multiclient/pkg/tonapi"
	"github.com/fortiblox/multiclient/pkg/worker"
)

// WorkerStatus is a snapshot of one worker's health state.
type WorkerStatus struct {
	Index            int       `json:"index"`
	Alive            bool      `json:"alive"`
	Archival         bool      `json:"archival"`
	LastSeqno        int32     `json:"last_seqno"`
	WaitingForUpdate bool      `json:"waiting_for_update"`
	RetryCount       int       `json:"retry_count"`
	RetryAfter       time.Time `json:"retry_after,omitempty"`
	Inited           bool      `json:"inited"`
	Synced           bool      `json:"synced"`
}

// Send dispatches a typed request and resolves out with the first
// successful result.
func (p *Pool) Send(req request.Request, out *promise.Promise[json.RawMessage]) {
	if req.Function == nil {
		out.Reject(fmt.Errorf("%w: nil function", request.ErrInvalidParameters))
		return
	}
	ok := p.post(func() {
		workers, err := p.resolve(req.Parameters, req.Session)
		if err != nil {
			out.Reject(err)
			return
		}

		agg := promise.NewSuccessAny(out, len(workers))
		for _, idx := range workers {
			sub := observe(p.log, idx, req.Function.TypeName(), agg.Promise(idx))
			w, ok := p.worker(idx)
			if !ok {
				sub.Reject(fmt.Errorf("%w: %d", ErrUnknownWorker, idx))
				continue
			}
			w.client.Send(req.Function, sub)
		}
	})
	if !ok {
		out.Reject(ErrPoolClosed)
	}
}

// SendJSON dispatches an opaque JSON request. Payloads that do not decode
// are rejected with worker.ErrDecodeRequest before any worker is selected.
func (p *Pool) SendJSON(req request.JSON, out *promise.Promise[string]) {
	fn, err := tonapi.DecodeString(req.Payload)
	if err != nil {
		out.Reject(fmt.Errorf("%w: %w", worker.ErrDecodeRequest, err))
		return
	}

	ok := p.post(func() {
		workers, err := p.resolve(req.Parameters, req.Session)
		if err != nil {
			out.Reject(err)
			return
		}

		agg := promise.NewSuccessAny(out, len(workers))
		for _, idx := range workers {
			sub := observe(p.log, idx, fn.TypeName(), agg.Promise(idx))
			w, ok := p.worker(idx)
			if !ok {
				sub.Reject(fmt.Errorf("%w: %d", ErrUnknownWorker, idx))
				continue
			}
			w.client.SendJSON(req.Payload, sub)
		}
	})
	if !ok {
		out.Reject(ErrPoolClosed)
	}
}

// SendCallback dispatches a fire-and-forget request. Every selected worker
// reports to the response callback under req.RequestID; when no worker is
// available the callback receives a 400 error from worker -1.
func (p *Pool) SendCallback(req request.Callback) error {
	if p.callback == nil {
		return ErrNoCallback
	}
	if req.Function == nil {
		return fmt.Errorf("%w: nil function", request.ErrInvalidParameters)
	}

	ok := p.post(func() {
		workers := p.selectWorkers(req.Parameters)
		if len(workers) == 0 {
			p.callback.OnError(-1, req.RequestID, tonapi.NewError(400, noWorkers(req.Parameters).Error()))
			return
		}
		for _, idx := range workers {
			w := p.workers[idx]
			if err := w.client.SendCallback(req.RequestID, req.Function); err != nil {
				p.callback.OnError(int64(idx), req.RequestID, backend.AsError(err))
			}
		}
	})
	if !ok {
		return ErrPoolClosed
	}
	return nil
}

// Session resolves out with existing when it is valid, or with a new session
// over the workers selected for params.
func (p *Pool) Session(params request.Parameters, existing *session.Session, out *promise.Promise[*session.Session]) {
	ok := p.post(func() {
		if existing.Valid() {
			out.Resolve(existing)
			return
		}
		workers := p.selectWorkers(params)
		if len(workers) == 0 {
			out.Reject(noWorkers(params))
			return
		}
		out.Resolve(session.NewAt(workers, p.now()))
	})
	if !ok {
		out.Reject(ErrPoolClosed)
	}
}

// ConsensusBlock resolves out with the highest masterchain seqno reported by
// an alive worker.
func (p *Pool) ConsensusBlock(out *promise.Promise[int32]) {
	ok := p.post(func() {
		best := int32(-1)
		found := false
		for _, w := range p.workers {
			if w.alive && w.lastSeqno > best {
				best = w.lastSeqno
				found = true
			}
		}
		if !found {
			out.Reject(ErrNoWorkers)
			return
		}
		out.Resolve(best)
	})
	if !ok {
		out.Reject(ErrPoolClosed)
	}
}

// Status resolves out with the state of every worker.
func (p *Pool) Status(out *promise.Promise[[]WorkerStatus]) {
	ok := p.post(func() {
		infos := make([]WorkerStatus, len(p.workers))
		for i, w := range p.workers {
			infos[i] = WorkerStatus{
				Index:            w.index,
				Alive:            w.alive,
				Archival:         w.archival,
				LastSeqno:        w.lastSeqno,
				WaitingForUpdate: w.waitingForUpdate,
				RetryCount:       w.retryCount,
				RetryAfter:       w.retryAfter,
				Inited:           w.client.Inited(),
				Synced:           w.client.Synced(),
			}
		}
		out.Resolve(infos)
	})
	if !ok {
		out.Reject(ErrPoolClosed)
	}
}

// observe logs a failed sub-request before handing it to the aggregator.
func observe[T any](log zerolog.Logger, idx int, typeName string, sub *promise.Promise[T]) *promise.Promise[T] {
	return promise.New(func(v T, err error) {
		if err != nil {
			log.Debug().Err(err).Int("worker", idx).Str("type", typeName).Msg("request failed")
		}
		sub.Set(v, err)
	})
}
