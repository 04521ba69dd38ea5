package controller_test

import (
	"errors"
	"testing"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/controller"
)

func TestMachine_Transitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		steps []controller.State
		ok    bool
	}{
		{name: "full order", steps: []controller.State{
			controller.StateValidating, controller.StateDeduplicating, controller.StateMerging,
			controller.StateAssembling, controller.StateCompleted,
		}, ok: true},
		{name: "fail from pending", steps: []controller.State{controller.StateFailed}, ok: true},
		{name: "fail mid run", steps: []controller.State{controller.StateValidating, controller.StateDeduplicating, controller.StateFailed}, ok: true},
		{name: "skip a stage", steps: []controller.State{controller.StateValidating, controller.StateMerging}},
		{name: "go backwards", steps: []controller.State{controller.StateValidating, controller.StateDeduplicating, controller.StateValidating}},
		{name: "leave completed", steps: []controller.State{
			controller.StateValidating, controller.StateDeduplicating, controller.StateMerging,
			controller.StateAssembling, controller.StateCompleted, controller.StateFailed,
		}},
		{name: "leave failed", steps: []controller.State{controller.StateFailed, controller.StateValidating}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := controller.NewMachine()
			var err error
			for _, s := range tt.steps {
				if err = m.Transition(s); err != nil {
					break
				}
			}
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, controller.ErrIllegalTransition) {
				t.Fatalf("expected illegal transition, got %v", err)
			}
		})
	}
}

func TestMachine_HistoryIsACopy(t *testing.T) {
	t.Parallel()

	m := controller.NewMachine()
	_ = m.Transition(controller.StateValidating)
	h := m.History()
	h[0] = controller.StateFailed
	if m.History()[0] != controller.StatePending {
		t.Fatalf("history shares memory with the machine")
	}
}
