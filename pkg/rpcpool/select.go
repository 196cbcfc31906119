package rpcpool

import (
	"fmt"

	"github.com/fortiblox/multiclient/pkg/request"
	"github.com/fortiblox/multiclient/pkg/session"
)

// selectWorkers turns params into a worker index set using the current
// health state. An empty result means no worker can serve the request.
func (p *Pool) selectWorkers(params request.Parameters) []int {
	if err := params.Validate(); err != nil {
		p.log.Warn().Err(err).Stringer("params", params).Msg("rejecting request parameters")
		return nil
	}

	candidates := make([]int, 0, len(p.workers))
	for _, w := range p.workers {
		if !w.alive {
			continue
		}
		if params.Archival && !w.archival {
			continue
		}
		candidates = append(candidates, w.index)
	}
	if len(candidates) == 0 {
		return nil
	}

	switch params.Mode {
	case request.Broadcast:
		return candidates

	case request.Single:
		if len(params.LiteServerIndexes) == 1 {
			want := params.LiteServerIndexes[0]
			for _, idx := range candidates {
				if idx == want {
					return []int{idx}
				}
			}
			return nil
		}
		return []int{candidates[p.rng.Intn(len(candidates))]}

	case request.Multiple:
		if params.LiteServerIndexes != nil {
			wanted := make(map[int]struct{}, len(params.LiteServerIndexes))
			for _, idx := range params.LiteServerIndexes {
				wanted[idx] = struct{}{}
			}
			selected := make([]int, 0, len(wanted))
			for _, idx := range candidates {
				if _, ok := wanted[idx]; ok {
					selected = append(selected, idx)
				}
			}
			return selected
		}

		p.rng.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
		if k := *params.ClientsNumber; k < len(candidates) {
			candidates = candidates[:k]
		}
		return candidates
	}

	return nil
}

// resolve returns the session's workers when it is valid and a fresh
// selection otherwise.
func (p *Pool) resolve(params request.Parameters, sess *session.Session) ([]int, error) {
	if sess.Valid() {
		return sess.Workers(), nil
	}
	workers := p.selectWorkers(params)
	if len(workers) == 0 {
		return nil, noWorkers(params)
	}
	return workers, nil
}

func noWorkers(params request.Parameters) error {
	return fmt.Errorf("%w (%s)", ErrNoWorkers, params)
}
