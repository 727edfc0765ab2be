package slices

import (
	"maps"
	"time"

	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/store"
)

const (
	EventProcessStarted   = "PROCESSES:STARTED"
	EventProcessCompleted = "PROCESSES:COMPLETED"
	EventProcessTimedOut  = "PROCESSES:TIMED_OUT"
)

// ProcessEvent is the payload of every PROCESSES event.
type ProcessEvent struct {
	ProcessID string    `json:"process_id"`
	Name      string    `json:"name,omitempty"`
	Status    string    `json:"status,omitempty"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}

// Process is the reduced view of a background process.
type Process struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Error     string    `json:"error,omitempty"`
	// EndIndex is the index of the event that ended the process.
	EndIndex int64 `json:"end_index,omitempty"`
}

// ProcessesState is the processes fragment.
type ProcessesState struct {
	Processes map[string]Process `json:"processes"`
}

// Running counts processes without a terminal status.
func (p ProcessesState) Running() int {
	n := 0
	for _, pr := range p.Processes {
		if pr.Status == store.ProcessRunning {
			n++
		}
	}
	return n
}

// Processes reduces background process lifecycles reported by the heartbeat monitor.
var Processes = newProcesses()

func newProcesses() *agent.SliceDef[ProcessesState] {
	s := agent.NewSlice("processes", ProcessesState{}).Requires(CapHeartbeat)
	agent.Handle(s, EventProcessStarted, func(st ProcessesState, p ProcessEvent, _ agent.Event) (ProcessesState, error) {
		return st.with(Process{ID: p.ProcessID, Name: p.Name, Status: store.ProcessRunning, StartedAt: p.At}), nil
	})
	end := func(defaultStatus string) func(ProcessesState, ProcessEvent, agent.Event) (ProcessesState, error) {
		return func(st ProcessesState, p ProcessEvent, ev agent.Event) (ProcessesState, error) {
			pr, ok := st.Processes[p.ProcessID]
			if !ok {
				pr = Process{ID: p.ProcessID, Name: p.Name}
			}
			if pr.Status != "" && pr.Status != store.ProcessRunning {
				return st, nil
			}
			pr.Status = p.Status
			if pr.Status == "" {
				pr.Status = defaultStatus
			}
			pr.EndedAt, pr.Error, pr.EndIndex = p.At, p.Error, ev.EventIndex
			return st.with(pr), nil
		}
	}
	agent.Handle(s, EventProcessCompleted, end(store.ProcessCompleted))
	agent.Handle(s, EventProcessTimedOut, end(store.ProcessTimedOut))
	return s
}

func (p ProcessesState) with(pr Process) ProcessesState {
	procs := maps.Clone(p.Processes)
	if procs == nil {
		procs = map[string]Process{}
	}
	procs[pr.ID] = pr
	p.Processes = procs
	return p
}
