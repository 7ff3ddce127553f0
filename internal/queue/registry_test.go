package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(taskType string) Processor {
	return ProcessorFunc{
		TaskType: taskType,
		Fn: func(ctx context.Context, payload json.RawMessage, task *Task) (Result, error) {
			return Result{Success: true}, nil
		},
	}
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(newTestProcessor("grade_import")))

	p, ok := r.Resolve("grade_import")
	assert.True(t, ok)
	assert.Equal(t, "grade_import", p.Type())

	_, ok = r.Resolve("unknown_type")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(newTestProcessor("grade_import")))

	err := r.Register(newTestProcessor("grade_import"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistryRejectsEmptyType(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	assert.Error(t, r.Register(newTestProcessor("")))
	assert.Error(t, r.Register(nil))
}

func TestRegistryTypesSorted(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, typ := range []string{"schedule_build", "enroll_student", "grade_import"} {
		require.NoError(t, r.Register(newTestProcessor(typ)))
	}

	assert.Equal(t, []string{"enroll_student", "grade_import", "schedule_build"}, r.Types())
}
