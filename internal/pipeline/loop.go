package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// TaskLoop drives M threads across an ordered list of tasks. Per
// spec.md §4.6: "the loop restarts from task 0 until a STOP is observed;
// for transformer inference each call to the loop corresponds to one
// token forward pass." That restart is internal to Run — the
// nLayers-iteration outer loop over transformer blocks is the "task 0
// again" restart, driven by the nextBlock task advancing
// ctx.CurrentBlockIndex and flipping ctx.Finalize once it wraps.
type TaskLoop struct {
	Tasks    []Task
	NThreads int

	Stats *Stats
}

// NewTaskLoop builds a loop over tasks with nThreads worker threads.
func NewTaskLoop(tasks []Task, nThreads int) *TaskLoop {
	return &TaskLoop{
		Tasks:    tasks,
		NThreads: nThreads,
		Stats:    NewStats(len(tasks)),
	}
}

// Run executes one full token forward pass: it restarts from task 0
// every time it falls off the end of the task list without having seen
// STOP, and returns only once some task returns STOP on every thread
// (emitted by the final `finalize` task once ctx.Finalize is set).
func (l *TaskLoop) Run(ctx *Context) error {
	ctx.CurrentBlockIndex = 0
	ctx.Finalize = false

	for {
		for taskIdx := range l.Tasks {
			task := &l.Tasks[taskIdx]
			start := time.Now()

			outcomes := make([]Outcome, l.NThreads)
			var g errgroup.Group
			for t := 0; t < l.NThreads; t++ {
				t := t
				g.Go(func() error {
					outcome, err := task.Fn(l.NThreads, t, ctx)
					if err != nil {
						return fmt.Errorf("pipeline: task %q (thread %d): %w", task.Name, t, err)
					}
					outcomes[t] = outcome
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			l.Stats.Record(taskIdx, task.Name, task.Kind, time.Since(start))

			for _, o := range outcomes {
				if o == Stop {
					slog.Debug("pipeline: stop observed", "task", task.Name)
					return nil
				}
			}
		}
	}
}
