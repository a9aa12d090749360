package monitor

import (
	"context"
	"time"

	"automl-tui/internal/service"

	"github.com/google/uuid"
)

const DefaultListInterval = 5 * time.Second

// Refresher keeps the run listing fresh. It has no terminal state: transport
// errors are recorded and polling carries on at the next tick.
type Refresher struct {
	session  string
	interval time.Duration

	entries []service.RunListEntry
	loaded  bool
	err     error

	issued   uint64
	applied  uint64
	inFlight bool
	cancel   context.CancelFunc
	closed   bool
}

// ListFetch describes one list request the caller must perform.
type ListFetch struct {
	Session string
	Seq     uint64
	Ctx     context.Context
}

func NewRefresher(interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = DefaultListInterval
	}
	return &Refresher{session: uuid.NewString(), interval: interval}
}

func (r *Refresher) Session() string         { return r.session }
func (r *Refresher) Interval() time.Duration { return r.interval }
func (r *Refresher) Loaded() bool            { return r.loaded }
func (r *Refresher) Err() error              { return r.err }
func (r *Refresher) InFlight() bool          { return r.inFlight }

func (r *Refresher) Entries() []service.RunListEntry {
	return append([]service.RunListEntry(nil), r.entries...)
}

func (r *Refresher) Start() (ListFetch, bool) {
	if r.closed || r.issued > 0 {
		return ListFetch{}, false
	}
	return r.issue(), true
}

func (r *Refresher) Tick(session string) (ListFetch, bool) {
	if r.closed || session != r.session || r.inFlight {
		return ListFetch{}, false
	}
	return r.issue(), true
}

// Refresh supersedes any outstanding fetch.
func (r *Refresher) Refresh() (ListFetch, bool) {
	if r.closed {
		return ListFetch{}, false
	}
	return r.issue(), true
}

func (r *Refresher) issue() ListFetch {
	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.issued++
	r.inFlight = true
	return ListFetch{Session: r.session, Seq: r.issued, Ctx: ctx}
}

func (r *Refresher) Apply(f ListFetch, entries []service.RunListEntry, err error) bool {
	if r.closed || f.Session != r.session {
		return false
	}
	if f.Seq == r.issued {
		r.inFlight = false
		r.cancel = nil
	}
	if err != nil {
		if f.Seq != r.issued {
			return false
		}
		r.err = err
		return true
	}
	if f.Seq <= r.applied {
		return false
	}
	r.entries = append([]service.RunListEntry(nil), entries...)
	r.applied = f.Seq
	r.loaded = true
	r.err = nil
	return true
}

func (r *Refresher) Close() {
	if r.closed {
		return
	}
	r.closed = true
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.inFlight = false
}
