package analysis

import (
	"regexp"
	"strings"

	"mcp-agent-memory/pkg/types"
)

// Base confidences for heuristic extraction. scoreConfidence adds the
// heuristic bonus on top.
const (
	baseFactConfidence    = 0.85
	baseEpisodeConfidence = 0.75
	heuristicBonus        = 0.05
)

// factPattern maps one regex to a fact category. The first capture
// group becomes the fact value and its slug the key suffix.
type factPattern struct {
	name     string
	category types.FactCategory
	re       *regexp.Regexp
}

// episodePattern maps one regex to an episode template.
type episodePattern struct {
	name      string
	re        *regexp.Regexp
	situation string
	action    string
	outcome   string
}

var factPatterns = []factPattern{
	{
		name:     "api_endpoint",
		category: types.CategoryFact,
		re:       regexp.MustCompile(`(?i)\b(https?://[^\s"']+|/api/[A-Za-z0-9/_.{}-]+)`),
	},
	{
		name:     "version",
		category: types.CategoryFact,
		re:       regexp.MustCompile(`(?i)\bversion\s+v?(\d+\.\d+(?:\.\d+)?)`),
	},
	{
		name:     "preference",
		category: types.CategoryPreference,
		re:       regexp.MustCompile(`(?i)\bI (?:prefer|like|want|always use) ([^.!?\n]+)`),
	},
	{
		name:     "decision",
		category: types.CategoryDecision,
		re:       regexp.MustCompile(`(?i)\b(?:we|I)(?:'ve)? (?:decided to|chose|settled on|will use) ([^.!?\n]+)`),
	},
	{
		name:     "constraint",
		category: types.CategoryConstraint,
		re:       regexp.MustCompile(`(?i)\b(?:never|must not|do not ever|don't ever) ([^.!?\n]+)`),
	},
}

var episodePatterns = []episodePattern{
	{
		name:      "workaround",
		re:        regexp.MustCompile(`(?i)\bworked around ([^.!?\n]+)`),
		situation: "A blocking issue came up during the task",
		action:    "Applied a workaround",
		outcome:   "The task could continue",
	},
	{
		name:      "mistake",
		re:        regexp.MustCompile(`(?i)\b(?:that was a mistake|shouldn't have|was wrong to) ([^.!?\n]+)`),
		situation: "A prior step turned out to be wrong",
		action:    "Identified the mistake",
		outcome:   "Course corrected",
	},
	{
		name:      "lesson",
		re:        regexp.MustCompile(`(?i)\b(?:lesson learned[:,]?|learned that|key takeaway[:,]?) ([^.!?\n]+)`),
		situation: "Reflection after completing work",
		action:    "Captured the takeaway",
		outcome:   "Lesson recorded for next time",
	},
	{
		name:      "recommendation",
		re:        regexp.MustCompile(`(?i)\b(?:I recommend|it is recommended to|going forward,? (?:we|you) should) ([^.!?\n]+)`),
		situation: "A practice was evaluated during the task",
		action:    "Made a recommendation",
		outcome:   "Guidance available for similar work",
	},
	{
		name:      "success",
		re:        regexp.MustCompile(`(?i)\b(?:successfully|finally fixed|resolved the issue by) ([^.!?\n]+)`),
		situation: "A problem was being worked on",
		action:    "Applied the fix",
		outcome:   "The problem was resolved",
	},
}

// slugify reduces free text to a stable key segment: lowercase,
// alphanumeric runs joined by underscores, bounded length.
func slugify(s string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
		if b.Len() >= 40 {
			break
		}
	}
	return strings.Trim(b.String(), "_")
}

// scoreConfidence applies the heuristic bonus with clamping.
func scoreConfidence(base float64, heuristic bool) float64 {
	if heuristic {
		base += heuristicBonus
	}
	if base > 1 {
		base = 1
	}
	return base
}
