package rpcpool

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fortiblox/multiclient/pkg/promise"
	"github.com/fortiblox/multiclient/pkg/tonapi"
)

// checkAll runs one liveness round and schedules the next one.
func (p *Pool) checkAll() {
	if p.closed.Load() {
		return
	}

	now := p.now()
	for _, w := range p.workers {
		p.checkWorker(w, now)
	}

	p.timerMu.Lock()
	p.checkTimer = p.mb.After(p.config.CheckInterval, p.checkAll)
	p.timerMu.Unlock()
}

func (p *Pool) checkWorker(w *workerInfo, now time.Time) {
	if w.waitingForUpdate {
		return
	}

	if !w.alive && !w.retryAfter.IsZero() {
		if now.Before(w.retryAfter) {
			return
		}
		w.retryCount++
		w.retryAfter = time.Time{}
	}

	if limit := p.config.MaxConsecutiveCheckErrors; limit > 0 && w.retryCount > limit {
		return
	}

	w.waitingForUpdate = true
	p.log.Debug().Int("worker", w.index).Int("retry", w.retryCount).Msg("probing worker")

	w.client.Send(tonapi.GetMasterchainInfo{}, promise.New(func(raw json.RawMessage, err error) {
		p.mb.Send(func() { p.onCheck(w, raw, err) })
	}))
}

func (p *Pool) onCheck(w *workerInfo, raw json.RawMessage, err error) {
	w.waitingForUpdate = false

	var info tonapi.MasterchainInfo
	if err == nil {
		if uerr := json.Unmarshal(raw, &info); uerr != nil {
			err = fmt.Errorf("decode masterchain info: %w", uerr)
		} else if info.Last.Seqno <= 0 {
			err = fmt.Errorf("%w: last seqno %d", ErrBadProbeResult, info.Last.Seqno)
		}
	}

	wasAlive := w.alive
	if err != nil {
		w.alive = false
		w.retryAfter = p.now().Add(p.config.RetryInterval)

		ev := p.log.Debug()
		if wasAlive {
			ev = p.log.Warn()
		}
		ev.Err(err).
			Int("worker", w.index).
			Int("retry", w.retryCount).
			Time("retry_after", w.retryAfter).
			Msg("worker probe failed")

		if wasAlive {
			p.healthChanged(w)
		}
		return
	}

	w.alive = true
	w.lastSeqno = info.Last.Seqno
	w.retryCount = 0
	w.retryAfter = time.Time{}

	p.log.Debug().Int("worker", w.index).Int32("seqno", w.lastSeqno).Msg("worker probe succeeded")

	if !wasAlive {
		p.log.Info().Int("worker", w.index).Int32("seqno", w.lastSeqno).Msg("worker is alive")
		p.healthChanged(w)
	}

	if !w.everAlive {
		w.everAlive = true
		if p.archivalSwept {
			p.checkArchival(w)
		}
	}
}

func (p *Pool) healthChanged(w *workerInfo) {
	if p.onHealthChange != nil {
		p.onHealthChange(w.index, w.alive, w.lastSeqno)
	}
}

// sweepArchival classifies every alive worker and schedules the next sweep.
func (p *Pool) sweepArchival() {
	if p.closed.Load() {
		return
	}

	for _, w := range p.workers {
		if w.alive {
			p.checkArchival(w)
		}
	}
	p.archivalSwept = true

	p.timerMu.Lock()
	p.archivalTimer = p.mb.After(p.config.ArchivalInterval, p.sweepArchival)
	p.timerMu.Unlock()
}

func (p *Pool) checkArchival(w *workerInfo) {
	if w.checkingArchival {
		return
	}
	w.checkingArchival = true

	w.client.Send(tonapi.ArchivalProbe(), promise.New(func(_ json.RawMessage, err error) {
		p.mb.Send(func() {
			w.checkingArchival = false
			archival := err == nil
			if archival != w.archival {
				p.log.Info().Int("worker", w.index).Bool("archival", archival).Msg("worker archival state changed")
			}
			if err != nil {
				p.log.Debug().Err(err).Int("worker", w.index).Msg("archival probe failed")
			}
			w.archival = archival
		})
	}))
}
