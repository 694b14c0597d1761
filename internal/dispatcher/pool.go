package dispatcher

import (
	"sort"
	"sync/atomic"
	"time"
)

// runnerRef is one probed runner endpoint. lastOK is the unix nano of the
// last successful health probe; zero means never seen.
type runnerRef struct {
	baseURL string
	lastOK  atomic.Int64
}

func (r *runnerRef) markAlive(t time.Time) { r.lastOK.Store(t.UnixNano()) }

func (r *runnerRef) aliveAt(now time.Time, liveness time.Duration) bool {
	last := r.lastOK.Load()
	return last > 0 && now.Sub(time.Unix(0, last)) <= liveness
}

// pool is the static runner set for one resource class. Membership never
// changes after construction; liveness does.
type pool struct {
	class   string
	runners []*runnerRef
	cursor  atomic.Uint64
}

func newPool(class string, baseURLs []string) *pool {
	urls := append([]string(nil), baseURLs...)
	sort.Strings(urls)
	p := &pool{class: class, runners: make([]*runnerRef, 0, len(urls))}
	for _, u := range urls {
		p.runners = append(p.runners, &runnerRef{baseURL: u})
	}
	return p
}

// rotation returns the live runners in try order for one dispatch. The
// round-robin cursor advances once per call so consecutive claims start at
// different runners.
func (p *pool) rotation(now time.Time, liveness time.Duration) []*runnerRef {
	live := make([]*runnerRef, 0, len(p.runners))
	for _, r := range p.runners {
		if r.aliveAt(now, liveness) {
			live = append(live, r)
		}
	}
	if len(live) == 0 {
		return nil
	}
	start := int(p.cursor.Add(1)-1) % len(live)
	out := make([]*runnerRef, 0, len(live))
	for i := range live {
		out = append(out, live[(start+i)%len(live)])
	}
	return out
}
