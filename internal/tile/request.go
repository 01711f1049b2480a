package tile

import (
	"sync/atomic"
)

type State int32

const (
	StatePending State = iota
	StateFetching
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFetching:
		return "fetching"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Request is a consumer's handle on one tile. The consumer reads State and may
// Evict; every state transition is made by the downloader.
type Request struct {
	Key       Key
	Source    *Source
	CachePath string

	state   atomic.Int32
	evicted atomic.Bool
}

func NewRequest(src *Source, key Key, cachePath string) *Request {
	return &Request{
		Key:       key,
		Source:    src,
		CachePath: cachePath,
	}
}

// URL renders a fresh upstream URL for the tile.
func (r *Request) URL() string {
	return r.Source.TileURL(r.Key)
}

func (r *Request) State() State {
	return State(r.state.Load())
}

// Begin moves a pending or failed request to fetching. It returns false when the
// request is already fetching or done, which is how duplicate submits are dropped.
func (r *Request) Begin() bool {
	if r.state.CompareAndSwap(int32(StatePending), int32(StateFetching)) {
		return true
	}
	return r.state.CompareAndSwap(int32(StateError), int32(StateFetching))
}

// Finish moves a fetching request to its terminal state.
func (r *Request) Finish(err error) {
	if err != nil {
		r.state.CompareAndSwap(int32(StateFetching), int32(StateError))
		return
	}
	r.state.CompareAndSwap(int32(StateFetching), int32(StateDone))
}

// Evict marks the request as gone from the consumer's visible set.
// Results for an evicted request are dropped silently.
func (r *Request) Evict() {
	r.evicted.Store(true)
}

func (r *Request) Evicted() bool {
	return r.evicted.Load()
}
