// Package monitor turns a slowly changing remote run record into a race-free
// local view. A Monitor is an explicit lifecycle object: it is built for one run
// id, owns a session token that tags every timer tick and response, and is
// closed when its view goes away. Nothing here blocks; callers perform the
// fetches and feed the results back through Apply.
package monitor

import (
	"context"
	"time"

	"automl-tui/internal/service"

	"github.com/google/uuid"
)

const DefaultPollInterval = 2 * time.Second

type Phase int

const (
	PhaseLoading Phase = iota
	PhaseActive
	PhaseCompleted
	PhaseFailed
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseActive:
		return "active"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	case PhaseErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Fetch describes one status request the caller must perform.
type Fetch struct {
	Session string
	RunID   string
	Seq     uint64
	Ctx     context.Context
}

type Monitor struct {
	session  string
	runID    string
	interval time.Duration

	phase    Phase
	snapshot *service.RunSnapshot
	err      error

	issued   uint64
	applied  uint64
	inFlight bool
	cancel   context.CancelFunc
	closed   bool

	fetches    int
	lastUpdate time.Time
}

func New(runID string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Monitor{
		session:  uuid.NewString(),
		runID:    runID,
		interval: interval,
		phase:    PhaseLoading,
	}
}

func (m *Monitor) Session() string                { return m.session }
func (m *Monitor) RunID() string                  { return m.runID }
func (m *Monitor) Interval() time.Duration        { return m.interval }
func (m *Monitor) Phase() Phase                   { return m.phase }
func (m *Monitor) Err() error                     { return m.err }
func (m *Monitor) InFlight() bool                 { return m.inFlight }
func (m *Monitor) Fetches() int                   { return m.fetches }
func (m *Monitor) LastUpdate() time.Time          { return m.lastUpdate }
func (m *Monitor) Snapshot() *service.RunSnapshot { return m.snapshot }

// Terminal reports whether polling has stopped for good.
func (m *Monitor) Terminal() bool {
	return m.phase == PhaseCompleted || m.phase == PhaseFailed
}

// Polling reports whether the caller should keep the timer running.
func (m *Monitor) Polling() bool {
	return !m.closed && (m.phase == PhaseLoading || m.phase == PhaseActive)
}

// Start issues the first fetch immediately, with no initial delay.
func (m *Monitor) Start() (Fetch, bool) {
	if m.closed || m.issued > 0 {
		return Fetch{}, false
	}
	return m.issue(), true
}

// Tick handles one timer expiry. Ticks from other sessions, ticks after the
// monitor stopped, and ticks while a fetch is outstanding issue nothing.
func (m *Monitor) Tick(session string) (Fetch, bool) {
	if session != m.session || !m.Polling() || m.inFlight {
		return Fetch{}, false
	}
	return m.issue(), true
}

// Refresh issues a fetch on demand. It supersedes an outstanding fetch and,
// from Errored, resumes polling.
func (m *Monitor) Refresh() (Fetch, bool) {
	if m.closed || m.Terminal() {
		return Fetch{}, false
	}
	if m.phase == PhaseErrored {
		m.err = nil
		if m.snapshot != nil {
			m.phase = PhaseActive
		} else {
			m.phase = PhaseLoading
		}
	}
	return m.issue(), true
}

func (m *Monitor) issue() Fetch {
	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.issued++
	m.inFlight = true
	m.fetches++
	return Fetch{Session: m.session, RunID: m.runID, Seq: m.issued, Ctx: ctx}
}

// Apply folds a completed fetch into the monitor and reports whether it changed
// anything. Responses for other sessions or run ids, and responses older than
// what is already shown, are dropped.
func (m *Monitor) Apply(f Fetch, snap *service.RunSnapshot, err error) bool {
	if m.closed || f.Session != m.session || f.RunID != m.runID {
		return false
	}
	if f.Seq == m.issued {
		m.inFlight = false
		m.cancel = nil
	}
	if m.Terminal() {
		return false
	}

	if err != nil || snap == nil {
		// Only the newest request may move the monitor to Errored; older ones
		// were superseded and usually fail with a cancellation.
		if f.Seq != m.issued {
			return false
		}
		if err == nil {
			err = &service.TransportError{Op: "poll status", Message: "empty response"}
		}
		m.err = err
		m.phase = PhaseErrored
		return true
	}
	if f.Seq <= m.applied {
		return false
	}

	next := *snap
	if next.RunID == "" {
		next.RunID = m.runID
	}
	if m.snapshot != nil && next.Status.Rank() < m.snapshot.Status.Rank() {
		next.Status = m.snapshot.Status
	}
	m.snapshot = &next
	m.applied = f.Seq
	m.err = nil
	m.lastUpdate = time.Now()

	switch next.Status {
	case service.StatusCompleted:
		m.phase = PhaseCompleted
		m.stop()
	case service.StatusFailed:
		m.phase = PhaseFailed
		m.stop()
	default:
		m.phase = PhaseActive
	}
	return true
}

// stop cancels whatever is outstanding once a terminal status has been seen.
func (m *Monitor) stop() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.inFlight = false
}

// Close tears the monitor down. Every later tick or response is a no-op.
func (m *Monitor) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.stop()
}
