package orchestrator

import (
	"errors"
	"testing"

	"github.com/shaiso/Meshwork/internal/domain"
	"github.com/shaiso/Meshwork/internal/engine"
)

func chainSubmission() *domain.Submission {
	return &domain.Submission{
		TaskID: "chain",
		Definition: domain.TaskDefinition{
			Name:          "pipeline",
			ExecutionMode: domain.ModeSequential,
			Tasks: []domain.TaskDefinition{
				factorialDef(domain.InputDef{Name: "number", Type: "integer", Default: 3}),
				factorialDef(domain.InputDef{Name: "number", Type: "integer", Default: "{{ .previous.result }}"}),
			},
		},
		Inputs: map[string]any{"label": "x"},
	}
}

func TestNewChainState(t *testing.T) {
	c := domain.Claim{TaskID: "chain", WorkerID: "o1", Epoch: 2}
	state := NewChainState(chainSubmission(), c)

	if state.ParentID() != "chain" {
		t.Errorf("unexpected parent %s", state.ParentID())
	}
	if state.Epoch() != 2 || state.Claim().WorkerID != "o1" {
		t.Errorf("claim should be kept, got %+v", state.Claim())
	}
	if state.Total() != 2 || state.Next() != 0 || state.Done() {
		t.Errorf("unexpected progress: total %d next %d", state.Total(), state.Next())
	}
	if state.StepID(1) != "chain-1" {
		t.Errorf("unexpected step id %s", state.StepID(1))
	}
}

func TestChainState_NextInputs(t *testing.T) {
	state := NewChainState(chainSubmission(), domain.Claim{Epoch: 1})

	first, err := state.NextInputs()
	if err != nil {
		t.Fatalf("first inputs: %v", err)
	}
	if first["number"] != 3 || first["label"] != "x" {
		t.Errorf("unexpected first inputs %v", first)
	}
	if prev, ok := first[engine.PreviousKey].(map[string]any); !ok || len(prev) != 0 {
		t.Errorf("first step should see an empty previous, got %v", first[engine.PreviousKey])
	}

	state.Advance(map[string]any{"result": 6})
	if state.Next() != 1 {
		t.Fatalf("expected next step 1, got %d", state.Next())
	}

	second, err := state.NextInputs()
	if err != nil {
		t.Fatalf("second inputs: %v", err)
	}
	if second["number"] != float64(6) {
		t.Errorf("expected number 6 from previous result, got %v (%T)", second["number"], second["number"])
	}

	state.Advance(map[string]any{"result": 720})
	if !state.Done() {
		t.Error("chain should be done after the last step")
	}
	if got := state.Stats(); got.Completed != 2 || got.Total != 2 {
		t.Errorf("unexpected stats %+v", got)
	}
	if state.Prior()["result"] != 720 {
		t.Errorf("prior should hold the last outputs, got %v", state.Prior())
	}
}

func TestChainState_NextInputs_TypeMismatch(t *testing.T) {
	sub := chainSubmission()
	state := NewChainState(sub, domain.Claim{Epoch: 1})
	state.Advance(map[string]any{"result": "not a number"})

	_, err := state.NextInputs()
	if !errors.Is(err, engine.ErrInputType) {
		t.Errorf("expected ErrInputType, got %v", err)
	}
}
