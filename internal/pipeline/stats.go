package pipeline

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Stats accumulates the per-class and per-task wall-clock timings
// spec.md §4.6 requires: "On task boundaries thread 0 updates accumulated
// timings: executionTime[type] += Δt and detailedTime[taskIdx] += Δt."
// Guarded by a mutex here rather than restricted to "thread 0" since Run
// records after the barrier where every thread has already rejoined.
type Stats struct {
	mu            sync.Mutex
	names         []string
	kinds         []Kind
	executionTime [2]time.Duration // indexed by Kind
	detailedTime  []time.Duration  // indexed by task position
	detailedCalls []uint64
}

// NewStats allocates per-task accumulators for a loop of nTasks tasks.
func NewStats(nTasks int) *Stats {
	return &Stats{
		names:         make([]string, nTasks),
		kinds:         make([]Kind, nTasks),
		detailedTime:  make([]time.Duration, nTasks),
		detailedCalls: make([]uint64, nTasks),
	}
}

// Record folds one task invocation's elapsed time into both the
// per-class and per-task accumulators.
func (s *Stats) Record(taskIdx int, name string, kind Kind, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[taskIdx] = name
	s.kinds[taskIdx] = kind
	s.executionTime[kind] += elapsed
	s.detailedTime[taskIdx] += elapsed
	s.detailedCalls[taskIdx]++
}

// ExecutionTime returns the accumulated time spent in tasks of kind k.
func (s *Stats) ExecutionTime(k Kind) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executionTime[k]
}

// Render writes a human-readable timing table to w, one row per task,
// the way the teacher pack renders tabular CLI output.
func (s *Stats) Render(w *os.File) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "task", "kind", "calls", "total"})
	for i, name := range s.names {
		if name == "" {
			continue
		}
		table.Append([]string{
			strconv.Itoa(i),
			name,
			s.kinds[i].String(),
			strconv.FormatUint(s.detailedCalls[i], 10),
			s.detailedTime[i].String(),
		})
	}
	table.SetFooter([]string{"", "", "COMPUTE+TRANSFER", "", (s.executionTime[Compute] + s.executionTime[Transfer]).String()})
	table.Render()
}
