package forward

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dllama-go/dllama/internal/modelspec"
	"github.com/dllama-go/dllama/internal/pipeline"
)

// TestRootTasksHas32Steps pins spec.md §4.6's root task-list length so a
// future edit that silently adds or drops a step is caught here rather
// than only surfacing as a scheduler mismatch at runtime.
func TestRootTasksHas32Steps(t *testing.T) {
	tasks := RootTasks(&modelspec.ModelSpec{})
	assert.Len(t, tasks, 32)
	assert.Equal(t, "rmsAtt", tasks[0].Name)
	assert.Equal(t, "finalize", tasks[len(tasks)-1].Name)
}

// TestWorkerTasksHas17Steps pins the worker's 17-step list the same way.
func TestWorkerTasksHas17Steps(t *testing.T) {
	tasks := WorkerTasks(&modelspec.ModelSpec{})
	assert.Len(t, tasks, 17)
	assert.Equal(t, "syncRmsAtt", tasks[0].Name)
	assert.Equal(t, "nextBlock", tasks[len(tasks)-1].Name)
}

// TestTaskListsEveryTaskHasAFunction guards against a Task literal with
// a nil Fn, which would panic the first time the TaskLoop reaches it.
func TestTaskListsEveryTaskHasAFunction(t *testing.T) {
	for _, tasks := range [][]pipeline.Task{
		RootTasks(&modelspec.ModelSpec{NExperts: 0}),
		WorkerTasks(&modelspec.ModelSpec{NExperts: 0}),
	} {
		for _, tk := range tasks {
			assert.NotNil(t, tk.Fn, "task %q has a nil Fn", tk.Name)
		}
	}
}
