package learning

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"mcp-agent-memory/internal/config"
	"mcp-agent-memory/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func learningConfig(mode string) config.AutomaticLearningConfig {
	cfg := config.DefaultConfig().AutomaticLearning
	cfg.Enabled = true
	cfg.Mode = mode
	return cfg
}

func op(tool string, result types.OperationResult) types.OperationRecord {
	return types.OperationRecord{
		ToolName:  tool,
		ProjectID: "proj-1",
		Result:    result,
		Timestamp: time.Now().UTC(),
	}
}

func TestTrackerRepeatedIngestDetection(t *testing.T) {
	tracker := NewTracker(learningConfig(config.LearningModeModerate))

	require.Empty(t, tracker.RecordOperation(op("add_fact", types.OperationSuccess)))
	require.Empty(t, tracker.RecordOperation(op("add_fact", types.OperationSuccess)))
	candidates := tracker.RecordOperation(op("add_fact", types.OperationSuccess))

	require.Len(t, candidates, 1)
	assert.Equal(t, CandidateTaskCompletion, candidates[0].Kind)
	assert.Equal(t, "proj-1", candidates[0].ProjectID)
	assert.InDelta(t, 0.75, candidates[0].Confidence, 1e-9)
	assert.Contains(t, candidates[0].Action, "add_fact")
}

func TestTrackerWorkflowDetection(t *testing.T) {
	tracker := NewTracker(learningConfig(config.LearningModeModerate))

	tracker.RecordOperation(op("search", types.OperationSuccess))
	tracker.RecordOperation(op("get_context", types.OperationSuccess))
	candidates := tracker.RecordOperation(op("add_fact", types.OperationSuccess))

	require.Len(t, candidates, 1)
	assert.Equal(t, CandidateTaskCompletion, candidates[0].Kind)
	assert.InDelta(t, 0.70, candidates[0].Confidence, 1e-9)
}

func TestTrackerNoDetectionOnFailure(t *testing.T) {
	tracker := NewTracker(learningConfig(config.LearningModeModerate))

	tracker.RecordOperation(op("add_fact", types.OperationSuccess))
	tracker.RecordOperation(op("add_fact", types.OperationError))
	candidates := tracker.RecordOperation(op("add_fact", types.OperationSuccess))
	assert.Empty(t, candidates)
}

func TestTrackerErrorPatternDetection(t *testing.T) {
	tracker := NewTracker(learningConfig(config.LearningModeModerate))

	failed := op("ingest_file", types.OperationError)
	failed.Error = "file not found"
	require.Empty(t, tracker.RecordOperation(failed))
	candidates := tracker.RecordOperation(failed)

	require.Len(t, candidates, 1)
	assert.Equal(t, CandidatePattern, candidates[0].Kind)
	assert.InDelta(t, 0.85, candidates[0].Confidence, 1e-9)
	assert.Contains(t, candidates[0].Situation, "file not found")

	// Different tools failing back-to-back is not a pattern.
	tracker2 := NewTracker(learningConfig(config.LearningModeModerate))
	tracker2.RecordOperation(op("search", types.OperationError))
	assert.Empty(t, tracker2.RecordOperation(op("ingest_file", types.OperationError)))
}

func TestTrackerAggressiveSuccessDetection(t *testing.T) {
	tracker := NewTracker(learningConfig(config.LearningModeAggressive))

	tracker.RecordOperation(op("list_projects", types.OperationSuccess))
	tracker.RecordOperation(op("search", types.OperationSuccess))
	tracker.RecordOperation(op("search", types.OperationSuccess))
	tracker.RecordOperation(op("list_sources", types.OperationSuccess))
	candidates := tracker.RecordOperation(op("search", types.OperationSuccess))

	require.NotEmpty(t, candidates)
	found := false
	for _, c := range candidates {
		if c.Confidence == 0.80 {
			found = true
			assert.Contains(t, c.Situation, "search")
		}
	}
	assert.True(t, found, "aggressive success candidate missing: %v", candidates)

	// Moderate mode never arms this detector.
	moderate := NewTracker(learningConfig(config.LearningModeModerate))
	moderate.RecordOperation(op("list_projects", types.OperationSuccess))
	moderate.RecordOperation(op("search", types.OperationSuccess))
	moderate.RecordOperation(op("search", types.OperationSuccess))
	moderate.RecordOperation(op("list_sources", types.OperationSuccess))
	assert.Empty(t, moderate.RecordOperation(op("search", types.OperationSuccess)))
}

func TestTrackerDisabledAndMinimal(t *testing.T) {
	disabled := learningConfig(config.LearningModeModerate)
	disabled.Enabled = false
	tracker := NewTracker(disabled)
	for i := 0; i < 3; i++ {
		assert.Empty(t, tracker.RecordOperation(op("add_fact", types.OperationSuccess)))
	}
	assert.False(t, tracker.Enabled())

	minimal := NewTracker(learningConfig(config.LearningModeMinimal))
	for i := 0; i < 3; i++ {
		assert.Empty(t, minimal.RecordOperation(op("add_fact", types.OperationSuccess)))
	}
}

func TestTrackerRingBounded(t *testing.T) {
	tracker := NewTracker(learningConfig(config.LearningModeMinimal))
	for i := 0; i < ringCapacity+50; i++ {
		tracker.RecordOperation(op(fmt.Sprintf("tool_%d", i), types.OperationSuccess))
	}
	window := tracker.Window()
	require.Len(t, window, ringCapacity)
	assert.Equal(t, fmt.Sprintf("tool_%d", ringCapacity+49), window[len(window)-1].ToolName)
}

func candidate(confidence float64) Candidate {
	return Candidate{
		Kind:       CandidateTaskCompletion,
		ProjectID:  "proj-1",
		Situation:  "A batch of related records needed to be stored",
		Action:     "Repeated add_fact calls until the batch was complete",
		Outcome:    "All records stored successfully",
		Confidence: confidence,
	}
}

func TestExtractorTemplateLesson(t *testing.T) {
	extractor := NewExtractor(learningConfig(config.LearningModeModerate), nil)

	episode := extractor.Extract(context.Background(), candidate(0.75), nil)
	require.NotNil(t, episode)
	assert.Equal(t, "Strategy: Repeated add_fact calls until the batch was complete leads to All records stored successfully", episode.Lesson)
	assert.Equal(t, "proj-1", episode.ProjectID)
	assert.InDelta(t, 0.75, episode.Confidence, 1e-9)
	assert.NoError(t, episode.Validate())
	assert.True(t, episode.IsAbstracted())
}

func TestExtractorRejectsLowConfidence(t *testing.T) {
	extractor := NewExtractor(learningConfig(config.LearningModeModerate), nil)
	assert.Nil(t, extractor.Extract(context.Background(), candidate(0.5), nil))
}

func TestExtractorJaccardDedup(t *testing.T) {
	extractor := NewExtractor(learningConfig(config.LearningModeModerate), nil)
	c := candidate(0.75)

	first := extractor.Extract(context.Background(), c, nil)
	require.NotNil(t, first)

	// An identical existing lesson blocks the store.
	assert.Nil(t, extractor.Extract(context.Background(), c, []string{first.Lesson}))

	// An unrelated lesson does not.
	again := extractor.Extract(context.Background(), c, []string{"Pin upstream images to avoid registry flakiness"})
	assert.NotNil(t, again)
}

type stubCompleter struct {
	reply     string
	err       error
	available bool
}

func (s stubCompleter) Complete(context.Context, string, string) (string, error) {
	return s.reply, s.err
}
func (s stubCompleter) IsAvailable(context.Context) bool { return s.available }

func TestExtractorModelLessonWithFallback(t *testing.T) {
	ctx := context.Background()

	model := NewExtractor(learningConfig(config.LearningModeModerate),
		stubCompleter{available: true, reply: "Batch related writes instead of storing one at a time."})
	episode := model.Extract(ctx, candidate(0.75), nil)
	require.NotNil(t, episode)
	assert.Equal(t, "Batch related writes instead of storing one at a time.", episode.Lesson)

	broken := NewExtractor(learningConfig(config.LearningModeModerate),
		stubCompleter{available: true, err: errors.New("timeout")})
	episode = broken.Extract(ctx, candidate(0.75), nil)
	require.NotNil(t, episode)
	assert.Contains(t, episode.Lesson, "Strategy: ")
}

func TestExtractorRejectsUnabstractedModelLesson(t *testing.T) {
	c := candidate(0.75)
	parrot := NewExtractor(learningConfig(config.LearningModeModerate),
		stubCompleter{available: true, reply: c.Situation})
	assert.Nil(t, parrot.Extract(context.Background(), c, nil))
}

func TestTokenJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, tokenJaccard("pin the images", "Pin the images."), 1e-9)
	assert.Zero(t, tokenJaccard("alpha beta", "gamma delta"))
	assert.Zero(t, tokenJaccard("", "something"))

	mid := tokenJaccard("always retry with backoff", "always retry without backoff")
	assert.Greater(t, mid, 0.0)
	assert.Less(t, mid, 1.0)
}
