// Package learning watches tool operations for recurring strategies and
// turns them into advisory episodes.
package learning

import (
	"strings"
	"sync"

	"mcp-agent-memory/internal/config"
	"mcp-agent-memory/internal/logging"
	"mcp-agent-memory/pkg/types"
)

// ringCapacity bounds the tracked operation window.
const ringCapacity = 100

// Candidate confidences by detector.
const (
	confidenceRepeatedIngest  = 0.75
	confidenceWorkflow        = 0.70
	confidenceErrorPattern    = 0.85
	confidenceAggressiveStubs = 0.80
)

// CandidateKind names the detector that produced a candidate.
type CandidateKind string

const (
	CandidateTaskCompletion CandidateKind = "task_completion"
	CandidatePattern        CandidateKind = "pattern"
)

// Candidate is a detected strategy worth abstracting into an episode.
type Candidate struct {
	Kind       CandidateKind
	ProjectID  string
	Situation  string
	Action     string
	Outcome    string
	Confidence float64
}

// ingestTools complete a task when repeated successfully.
var ingestTools = map[string]struct{}{
	"ingest_file": {},
	"add_fact":    {},
	"add_episode": {},
}

// Tracker is the mutex-guarded ring of recent operations feeding the
// detectors. Which detectors are armed depends on the learning mode.
type Tracker struct {
	mu      sync.Mutex
	cfg     config.AutomaticLearningConfig
	ops     []types.OperationRecord
	logger  logging.Logger
}

// NewTracker builds a tracker from the automatic-learning settings.
func NewTracker(cfg config.AutomaticLearningConfig) *Tracker {
	return &Tracker{
		cfg:    cfg,
		logger: logging.WithComponent("learning"),
	}
}

// Enabled reports whether tracking is on at all.
func (t *Tracker) Enabled() bool {
	return t.cfg.Enabled
}

// RecordOperation appends one operation and runs the armed detectors
// over the updated window.
func (t *Tracker) RecordOperation(op types.OperationRecord) []Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ops = append(t.ops, op)
	if len(t.ops) > ringCapacity {
		t.ops = t.ops[len(t.ops)-ringCapacity:]
	}

	if !t.cfg.Enabled || t.cfg.Mode == config.LearningModeMinimal {
		return nil
	}

	var candidates []Candidate
	if t.cfg.TrackTasks {
		candidates = append(candidates, t.detectTaskCompletion()...)
	}
	if t.cfg.TrackOperations {
		candidates = append(candidates, t.detectErrorPattern()...)
		if t.cfg.Mode == config.LearningModeAggressive {
			candidates = append(candidates, t.detectAggressiveSuccess()...)
		}
	}
	if len(candidates) > 0 {
		t.logger.Debug("learning candidates detected",
			"tool", op.ToolName, "count", len(candidates))
	}
	return candidates
}

// Window returns a copy of the tracked operations, oldest first.
func (t *Tracker) Window() []types.OperationRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.OperationRecord, len(t.ops))
	copy(out, t.ops)
	return out
}

// detectTaskCompletion fires when the last three operations all
// succeeded and form a recognizable task shape.
func (t *Tracker) detectTaskCompletion() []Candidate {
	if len(t.ops) < 3 {
		return nil
	}
	last3 := t.ops[len(t.ops)-3:]
	for _, op := range last3 {
		if !op.Succeeded() {
			return nil
		}
	}
	latest := last3[2]

	if _, isIngest := ingestTools[latest.ToolName]; isIngest &&
		last3[0].ToolName == latest.ToolName && last3[1].ToolName == latest.ToolName {
		return []Candidate{{
			Kind:       CandidateTaskCompletion,
			ProjectID:  latest.ProjectID,
			Situation:  "A batch of related records needed to be stored",
			Action:     "Repeated " + latest.ToolName + " calls until the batch was complete",
			Outcome:    "All records stored successfully",
			Confidence: confidenceRepeatedIngest,
		}}
	}

	if windowHoldsWorkflow(last3) {
		return []Candidate{{
			Kind:       CandidateTaskCompletion,
			ProjectID:  latest.ProjectID,
			Situation:  "A task required consulting memory before making changes",
			Action:     "Searched memory, gathered context, then wrote the result",
			Outcome:    "The task completed with memory-informed changes",
			Confidence: confidenceWorkflow,
		}}
	}
	return nil
}

// windowHoldsWorkflow checks for the search → context → write shape in
// any order within the window.
func windowHoldsWorkflow(ops []types.OperationRecord) bool {
	var hasSearch, hasContext, hasWrite bool
	for _, op := range ops {
		switch {
		case op.ToolName == "search":
			hasSearch = true
		case op.ToolName == "get_context":
			hasContext = true
		case isWriteTool(op.ToolName):
			hasWrite = true
		}
	}
	return hasSearch && hasContext && hasWrite
}

func isWriteTool(name string) bool {
	if _, ok := ingestTools[name]; ok {
		return true
	}
	return strings.Contains(name, "write") || strings.Contains(name, "edit")
}

// detectErrorPattern fires on two or more consecutive errors from the
// same tool.
func (t *Tracker) detectErrorPattern() []Candidate {
	if len(t.ops) < 2 {
		return nil
	}
	latest := t.ops[len(t.ops)-1]
	prev := t.ops[len(t.ops)-2]
	if latest.Succeeded() || prev.Succeeded() || latest.ToolName != prev.ToolName {
		return nil
	}
	return []Candidate{{
		Kind:       CandidatePattern,
		ProjectID:  latest.ProjectID,
		Situation:  "Repeated " + latest.ToolName + " calls kept failing with: " + latest.Error,
		Action:     "Retried " + latest.ToolName + " without changing the approach",
		Outcome:    "The calls continued to fail",
		Confidence: confidenceErrorPattern,
	}}
}

// detectAggressiveSuccess fires in aggressive mode once the window is
// warm and one tool succeeded three times.
func (t *Tracker) detectAggressiveSuccess() []Candidate {
	if len(t.ops) < 5 {
		return nil
	}
	successByTool := make(map[string]int)
	for _, op := range t.ops {
		if op.Succeeded() {
			successByTool[op.ToolName]++
		}
	}
	latest := t.ops[len(t.ops)-1]
	if !latest.Succeeded() || successByTool[latest.ToolName] != 3 {
		return nil
	}
	return []Candidate{{
		Kind:       CandidatePattern,
		ProjectID:  latest.ProjectID,
		Situation:  "The " + latest.ToolName + " tool was used repeatedly during the session",
		Action:     "Kept using " + latest.ToolName + " for this class of work",
		Outcome:    "Three successful " + latest.ToolName + " operations",
		Confidence: confidenceAggressiveStubs,
	}}
}
