package pipeline

import (
	"context"
	"errors"
	"testing"
)

type stubStep struct {
	BaseStep
	name      string
	enter     func(*State) bool
	before    func(*State) error
	execute   func(*State) error
	after     func(*State) error
	execCount int
}

func (s *stubStep) Name() string { return s.name }

func (s *stubStep) CanEnter(state *State) bool {
	if s.enter != nil {
		return s.enter(state)
	}
	return s.BaseStep.CanEnter(state)
}

func (s *stubStep) Before(ctx context.Context, state *State) error {
	if s.before != nil {
		return s.before(state)
	}
	return nil
}

func (s *stubStep) Execute(ctx context.Context, state *State) error {
	s.execCount++
	if s.execute != nil {
		return s.execute(state)
	}
	return nil
}

func (s *stubStep) After(ctx context.Context, state *State) error {
	if s.after != nil {
		return s.after(state)
	}
	return nil
}

func TestRun_SuccessReturnsMutatedClone(t *testing.T) {
	step := &stubStep{name: "title", execute: func(s *State) error {
		s.Title = "Broken invoice"
		return nil
	}}
	state := NewState("job-1", "owner-1", false)

	next, stepErr := Run(context.Background(), step, state)
	if stepErr != nil {
		t.Fatalf("Run() error = %v", stepErr)
	}
	if next.Title != "Broken invoice" {
		t.Errorf("Title = %q, want %q", next.Title, "Broken invoice")
	}
	if state.Title != "" {
		t.Error("input state mutated")
	}
}

func TestRun_ExecuteErrorIsContained(t *testing.T) {
	boom := errors.New("provider exploded")
	step := &stubStep{name: "ocr", execute: func(s *State) error {
		s.Title = "partial work"
		return boom
	}}
	state := NewState("job-1", "owner-1", false)

	next, stepErr := Run(context.Background(), step, state)
	if stepErr == nil {
		t.Fatal("Run() expected step error")
	}
	if stepErr.Step != "ocr" || stepErr.Phase != "execute" {
		t.Errorf("StepError = %+v, want step ocr phase execute", stepErr)
	}
	if !errors.Is(stepErr, boom) {
		t.Error("StepError does not wrap phase error")
	}
	if next.Title != "" {
		t.Error("partial mutations survived a failed step")
	}
	if got := len(next.Faults["ocr"]); got != 1 {
		t.Errorf("faults recorded = %d, want 1", got)
	}
}

func TestRun_BeforeErrorSkipsExecute(t *testing.T) {
	step := &stubStep{name: "prepare", before: func(s *State) error {
		return errors.New("precondition failed")
	}}
	state := NewState("job-1", "owner-1", false)

	next, stepErr := Run(context.Background(), step, state)
	if stepErr == nil || stepErr.Phase != "before" {
		t.Fatalf("StepError = %+v, want before-phase failure", stepErr)
	}
	if step.execCount != 0 {
		t.Error("execute ran after before failed")
	}
	if !next.Failed() {
		t.Error("fault not recorded")
	}
}

func TestRun_AfterErrorDiscardsMutations(t *testing.T) {
	step := &stubStep{
		name:    "summary",
		execute: func(s *State) error { s.Summary = "done"; return nil },
		after:   func(s *State) error { return errors.New("postcondition failed") },
	}
	state := NewState("job-1", "owner-1", false)

	next, stepErr := Run(context.Background(), step, state)
	if stepErr == nil || stepErr.Phase != "after" {
		t.Fatalf("StepError = %+v, want after-phase failure", stepErr)
	}
	if next.Summary != "" {
		t.Error("mutations survived a failed after phase")
	}
}

func TestRun_SkipReturnsInputUnchanged(t *testing.T) {
	step := &stubStep{name: "issue"}
	state := NewState("job-1", "owner-1", false)
	state.RecordFault("ocr", "connection timeout")

	next, stepErr := Run(context.Background(), step, state)
	if stepErr != nil {
		t.Fatalf("Run() error = %v", stepErr)
	}
	if next != state {
		t.Error("skip should return the input state")
	}
	if step.execCount != 0 {
		t.Error("gated step executed")
	}
}

func TestRun_PanicIsContained(t *testing.T) {
	step := &stubStep{name: "ai_body", execute: func(s *State) error {
		panic("nil provider")
	}}
	state := NewState("job-1", "owner-1", false)

	next, stepErr := Run(context.Background(), step, state)
	if stepErr == nil || stepErr.Phase != "execute" {
		t.Fatalf("StepError = %+v, want contained execute panic", stepErr)
	}
	if got := len(next.Faults["ai_body"]); got != 1 {
		t.Errorf("faults recorded = %d, want 1", got)
	}
}

func TestCompile_RejectsDuplicateNames(t *testing.T) {
	_, err := Compile(&stubStep{name: "ocr"}, &stubStep{name: "ocr"})
	if err == nil {
		t.Fatal("Compile() expected error for duplicate names")
	}
}

func TestCompile_RejectsEmpty(t *testing.T) {
	if _, err := Compile(); err == nil {
		t.Fatal("Compile() expected error for empty graph")
	}
}

func TestGraph_Next(t *testing.T) {
	graph, err := Compile(&stubStep{name: "a"}, &stubStep{name: "b"}, &stubStep{name: "c"})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	next, err := graph.Next("a")
	if err != nil || next != "b" {
		t.Errorf("Next(a) = %q, %v, want b", next, err)
	}
	next, err = graph.Next("c")
	if err != nil || next != "" {
		t.Errorf("Next(c) = %q, %v, want end", next, err)
	}
	if _, err := graph.Next("zzz"); err == nil {
		t.Error("Next(zzz) expected error")
	}
}

func TestState_CloneIsDeep(t *testing.T) {
	ocr := "invoice #4"
	state := NewState("job-1", "owner-1", false)
	state.Attachments = []Attachment{{ID: "att-1", OCRText: &ocr}}
	state.Metadata = map[string]string{"category": "billing"}
	state.RecordFault("ocr", "x")

	clone := state.Clone()
	*clone.Attachments[0].OCRText = "changed"
	clone.Metadata["category"] = "other"
	clone.RecordFault("ocr", "y")

	if *state.Attachments[0].OCRText != "invoice #4" {
		t.Error("attachment text shared between clone and original")
	}
	if state.Metadata["category"] != "billing" {
		t.Error("metadata shared between clone and original")
	}
	if len(state.Faults["ocr"]) != 1 {
		t.Error("faults shared between clone and original")
	}
}

func TestState_FaultText(t *testing.T) {
	state := NewState("job-1", "owner-1", false)
	if state.FaultText() != "" {
		t.Errorf("FaultText() = %q, want empty", state.FaultText())
	}

	state.RecordFault("ocr", "connection timeout")
	state.RecordFault("ai_body", "invalid format")

	got := state.FaultText()
	want := "ai_body: invalid format; ocr: connection timeout"
	if got != want {
		t.Errorf("FaultText() = %q, want %q", got, want)
	}
}
