// Package wizard resolves how a run's problem statement is produced: typed by
// the user or picked from backend-generated candidates. It also guards run
// submission so a failed submit never loses the chosen statement.
package wizard

import (
	"errors"
	"fmt"
	"strings"

	"automl-tui/internal/service"
)

type Step int

const (
	StepUndecided Step = iota
	StepHasStatement
	StepGenerating
	StepCandidatesReady
	StepStatementChosen
)

func (s Step) String() string {
	switch s {
	case StepUndecided:
		return "undecided"
	case StepHasStatement:
		return "has_statement"
	case StepGenerating:
		return "generating_candidates"
	case StepCandidatesReady:
		return "candidates_ready"
	case StepStatementChosen:
		return "statement_chosen"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidTransition = errors.New("invalid wizard transition")
	ErrGenerateInFlight  = errors.New("statement generation already in progress")
	ErrSubmitInFlight    = errors.New("run submission already in progress")
	ErrIndexOutOfRange   = errors.New("candidate index out of range")
	ErrNoCandidates      = errors.New("no problem statements were generated")
)

// ValidationError blocks a transition locally. It never comes from the network.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// GenerateRequest identifies one outstanding generation call.
type GenerateRequest struct {
	Seq  uint64
	Hint string
}

// SubmitRequest identifies one outstanding create-run call.
type SubmitRequest struct {
	Seq        uint64
	Submission service.RunSubmission
}

type Wizard struct {
	step       Step
	hint       string
	candidates []service.Candidate
	statement  string

	genSeq     uint64
	generating bool

	submitSeq  uint64
	submitting bool

	// abandonedSeq is the submission that was outstanding when Back ran.
	abandonedSeq uint64

	err error
}

func New() *Wizard {
	return &Wizard{}
}

func (w *Wizard) Step() Step           { return w.step }
func (w *Wizard) Hint() string         { return w.hint }
func (w *Wizard) Generating() bool     { return w.generating }
func (w *Wizard) Submitting() bool     { return w.submitting }
func (w *Wizard) RawStatement() string { return w.statement }
func (w *Wizard) Err() error           { return w.err }
func (w *Wizard) Candidates() []service.Candidate {
	return append([]service.Candidate(nil), w.candidates...)
}

func (w *Wizard) ChooseHasStatement(has bool) error {
	if w.step != StepUndecided {
		return fmt.Errorf("%w: choose from %s", ErrInvalidTransition, w.step)
	}
	w.err = nil
	if has {
		w.step = StepHasStatement
		return nil
	}
	w.step = StepGenerating
	return nil
}

func (w *Wizard) SetHint(hint string) error {
	if w.step != StepGenerating {
		return fmt.Errorf("%w: set hint from %s", ErrInvalidTransition, w.step)
	}
	w.hint = hint
	return nil
}

// BeginGenerate starts a generation call. The hint is optional.
func (w *Wizard) BeginGenerate(hint string) (GenerateRequest, error) {
	if w.step != StepGenerating {
		return GenerateRequest{}, fmt.Errorf("%w: generate from %s", ErrInvalidTransition, w.step)
	}
	if w.generating {
		return GenerateRequest{}, ErrGenerateInFlight
	}
	w.hint = hint
	w.genSeq++
	w.generating = true
	w.err = nil
	return GenerateRequest{Seq: w.genSeq, Hint: strings.TrimSpace(hint)}, nil
}

// ApplyGenerate folds a generation result into the wizard. It reports false when
// the result belongs to a superseded request and was dropped.
func (w *Wizard) ApplyGenerate(req GenerateRequest, candidates []service.Candidate, err error) bool {
	if !w.generating || req.Seq != w.genSeq || w.step != StepGenerating {
		return false
	}
	w.generating = false
	if err != nil {
		w.err = requestErr("generate problem statements", err)
		return true
	}
	usable := make([]service.Candidate, 0, len(candidates))
	for _, candidate := range candidates {
		if strings.TrimSpace(candidate.Statement) != "" {
			usable = append(usable, candidate)
		}
	}
	if len(usable) == 0 {
		w.err = ErrNoCandidates
		return true
	}
	w.candidates = usable
	w.step = StepCandidatesReady
	w.err = nil
	return true
}

func (w *Wizard) SelectCandidate(index int) error {
	if w.step != StepCandidatesReady {
		return fmt.Errorf("%w: select from %s", ErrInvalidTransition, w.step)
	}
	if index < 0 || index >= len(w.candidates) {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, index, len(w.candidates))
	}
	w.statement = w.candidates[index].Statement
	w.candidates = nil
	w.hint = ""
	w.step = StepStatementChosen
	w.err = nil
	return nil
}

// SetStatement records typed text. Blank text is accepted here and rejected by
// Statement, so editing never fails mid-keystroke.
func (w *Wizard) SetStatement(text string) error {
	if w.step != StepHasStatement && w.step != StepStatementChosen {
		return fmt.Errorf("%w: set statement from %s", ErrInvalidTransition, w.step)
	}
	w.statement = text
	return nil
}

// Statement returns the trimmed statement ready for submission.
func (w *Wizard) Statement() (string, error) {
	if w.step != StepHasStatement && w.step != StepStatementChosen {
		return "", &ValidationError{Field: "problem_statement", Message: "no statement has been chosen"}
	}
	text := strings.TrimSpace(w.statement)
	if text == "" {
		return "", &ValidationError{Field: "problem_statement", Message: "must not be empty"}
	}
	return text, nil
}

func (w *Wizard) Ready() bool {
	_, err := w.Statement()
	return err == nil && !w.submitting
}

// Back returns to the initial step and forgets everything collected so far.
// Outstanding generation results are dropped when they arrive. An outstanding
// submission is abandoned: its failure is dropped, its success still yields the
// run.
func (w *Wizard) Back() {
	if w.submitting {
		w.abandonedSeq = w.submitSeq
		w.submitting = false
	}
	if w.step == StepUndecided {
		return
	}
	w.step = StepUndecided
	w.hint = ""
	w.candidates = nil
	w.statement = ""
	w.generating = false
	w.err = nil
}

// Reset prepares the wizard for the next run after a successful submission.
func (w *Wizard) Reset() {
	w.Back()
	w.submitting = false
	w.abandonedSeq = 0
}

// requestErr leaves transport errors alone, since they already name the
// operation, and wraps anything else with op.
func requestErr(op string, err error) error {
	if service.IsTransport(err) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
