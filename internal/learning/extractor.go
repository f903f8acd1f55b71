package learning

import (
	"context"
	"strings"

	"mcp-agent-memory/internal/ai"
	"mcp-agent-memory/internal/config"
	"mcp-agent-memory/internal/logging"
	"mcp-agent-memory/pkg/types"
)

// minAcceptedConfidence rejects candidates too weak to store.
const minAcceptedConfidence = 0.60

// jaccardThreshold marks two lessons as duplicates.
const jaccardThreshold = 0.85

const lessonSystemPrompt = `You distill one reusable lesson from an agent work pattern.
Reply with a single sentence starting with a verb or "Strategy:". No preamble.`

// Extractor turns detected candidates into episodes, with an optional
// model-written lesson and a template fallback.
type Extractor struct {
	completer            ai.ChatCompleter
	minEpisodeConfidence float64
	logger               logging.Logger
}

// NewExtractor builds an extractor. completer may be nil; lessons then
// always come from the template.
func NewExtractor(cfg config.AutomaticLearningConfig, completer ai.ChatCompleter) *Extractor {
	minConfidence := cfg.MinEpisodeConfidence
	if minConfidence < minAcceptedConfidence {
		minConfidence = minAcceptedConfidence
	}
	return &Extractor{
		completer:            completer,
		minEpisodeConfidence: minConfidence,
		logger:               logging.WithComponent("learning"),
	}
}

// Extract converts one candidate into an episode, or nil when the
// candidate is rejected (low confidence, unabstracted lesson, or a
// near-duplicate of an existing lesson).
func (e *Extractor) Extract(ctx context.Context, c Candidate, existingLessons []string) *types.Episode {
	if c.Confidence < e.minEpisodeConfidence {
		return nil
	}

	lesson := e.writeLesson(ctx, c)
	if strings.EqualFold(strings.TrimSpace(lesson), strings.TrimSpace(c.Situation)) {
		return nil
	}
	for _, existing := range existingLessons {
		if similarity := tokenJaccard(lesson, existing); similarity >= jaccardThreshold {
			e.logger.DebugContext(ctx, "skipping duplicate lesson",
				"similarity", similarity, "lesson", lesson)
			return nil
		}
	}

	return types.NewEpisode(c.ProjectID, c.Situation, c.Action, c.Outcome, lesson, c.Confidence)
}

// writeLesson asks the model for a lesson when one is wired, falling
// back to the deterministic template.
func (e *Extractor) writeLesson(ctx context.Context, c Candidate) string {
	fallback := "Strategy: " + c.Action + " leads to " + c.Outcome

	if e.completer == nil || !e.completer.IsAvailable(ctx) {
		return fallback
	}
	prompt := "Situation: " + c.Situation + "\nAction: " + c.Action + "\nOutcome: " + c.Outcome
	reply, err := e.completer.Complete(ctx, lessonSystemPrompt, prompt)
	if err != nil {
		e.logger.WarnContext(ctx, "lesson generation failed, using template", "error", err.Error())
		return fallback
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return fallback
	}
	return reply
}

// tokenJaccard computes Jaccard similarity over lowercased word sets.
func tokenJaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for token := range setA {
		if _, ok := setB[token]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, token := range strings.Fields(strings.ToLower(s)) {
		set[strings.Trim(token, ".,:;!?\"'")] = struct{}{}
	}
	delete(set, "")
	return set
}
