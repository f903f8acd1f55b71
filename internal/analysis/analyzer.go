// Package analysis extracts symbolic facts and advisory episodes from
// agent conversations, with a fixed heuristic pattern table and an
// optional model-backed pass.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"mcp-agent-memory/internal/ai"
	"mcp-agent-memory/internal/config"
	"mcp-agent-memory/internal/logging"
	"mcp-agent-memory/pkg/types"
)

// ExtractedFact is one candidate symbolic fact found in a conversation.
type ExtractedFact struct {
	Key        string             `json:"key"`
	Value      string             `json:"value"`
	Category   types.FactCategory `json:"category"`
	Confidence float64            `json:"confidence"`
}

// ExtractedEpisode is one candidate episode found in a conversation.
type ExtractedEpisode struct {
	Title      string  `json:"title"`
	Situation  string  `json:"situation"`
	Action     string  `json:"action"`
	Outcome    string  `json:"outcome"`
	Lesson     string  `json:"lesson"`
	Confidence float64 `json:"confidence"`
}

// Result is the analyzer output for one exchange.
type Result struct {
	Facts    []ExtractedFact    `json:"facts"`
	Episodes []ExtractedEpisode `json:"episodes"`
	// Degraded is set when the model pass was requested but skipped.
	Degraded bool `json:"degraded,omitempty"`
}

// Analyzer turns conversation exchanges into memory candidates.
type Analyzer struct {
	cfg       config.ConversationAnalyzerConfig
	completer ai.ChatCompleter
	dedup     *dedupTracker
	logger    logging.Logger

	maxTokensPerMessage int
	maxTokensPerSession int

	mu            sync.Mutex
	sessionTokens int
}

// NewAnalyzer builds an analyzer. completer may be nil; LLM extraction
// then degrades to the heuristic subset.
func NewAnalyzer(cfg *config.Config, completer ai.ChatCompleter) *Analyzer {
	ca := cfg.UniversalHooks.ConversationAnalyzer
	return &Analyzer{
		cfg:                 ca,
		completer:           completer,
		dedup:               newDedupTracker(ca.DeduplicationMode, ca.DeduplicationWindowDay),
		logger:              logging.WithComponent("analysis"),
		maxTokensPerMessage: cfg.MaxTokensPerMessage,
		maxTokensPerSession: cfg.MaxTokensPerSession,
	}
}

// Analyze extracts facts and episodes from one user/agent exchange.
// contextInfo is optional surrounding context passed to the model pass
// only.
func (a *Analyzer) Analyze(ctx context.Context, userMsg, agentResp, contextInfo string) (*Result, error) {
	result := &Result{}
	text := userMsg + "\n" + agentResp

	result.Facts = extractFacts(text)
	result.Episodes = extractEpisodes(text)

	if a.cfg.ExtractionMode == config.ExtractionModeLLM {
		llmFacts, llmEpisodes, degraded := a.llmExtract(ctx, userMsg, agentResp, contextInfo)
		result.Degraded = degraded
		result.Facts = mergeFacts(result.Facts, llmFacts)
		result.Episodes = mergeEpisodes(result.Episodes, llmEpisodes)
	}

	result.Facts = a.filterFacts(result.Facts)
	result.Episodes = a.filterEpisodes(result.Episodes)
	return result, nil
}

// SeenCount reports how often a dedup key occurred, duplicates
// included.
func (a *Analyzer) SeenCount(key string) int {
	return a.dedup.seenCount(key)
}

func extractFacts(text string) []ExtractedFact {
	var facts []ExtractedFact
	for _, p := range factPatterns {
		for _, match := range p.re.FindAllStringSubmatch(text, -1) {
			value := strings.TrimSpace(match[len(match)-1])
			if value == "" {
				continue
			}
			facts = append(facts, ExtractedFact{
				Key:        p.name + "." + slugify(value),
				Value:      value,
				Category:   p.category,
				Confidence: scoreConfidence(baseFactConfidence, true),
			})
		}
	}
	return facts
}

func extractEpisodes(text string) []ExtractedEpisode {
	var episodes []ExtractedEpisode
	for _, p := range episodePatterns {
		for _, match := range p.re.FindAllStringSubmatch(text, -1) {
			detail := strings.TrimSpace(match[len(match)-1])
			if detail == "" {
				continue
			}
			episodes = append(episodes, ExtractedEpisode{
				Title:      p.name + ": " + slugify(detail),
				Situation:  p.situation,
				Action:     p.action,
				Outcome:    p.outcome,
				Lesson:     detail,
				Confidence: scoreConfidence(baseEpisodeConfidence, true),
			})
		}
	}
	return episodes
}

func (a *Analyzer) filterFacts(facts []ExtractedFact) []ExtractedFact {
	now := time.Now().UTC()
	var kept []ExtractedFact
	for _, f := range facts {
		if f.Confidence < a.cfg.MinFactConfidence {
			continue
		}
		if !a.dedup.shouldEmit("fact:"+f.Key, now) {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

func (a *Analyzer) filterEpisodes(episodes []ExtractedEpisode) []ExtractedEpisode {
	now := time.Now().UTC()
	var kept []ExtractedEpisode
	for _, e := range episodes {
		if e.Confidence < a.cfg.MinEpisodeConfidence {
			continue
		}
		if !a.dedup.shouldEmit("episode:"+e.Title, now) {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// estimateTokens uses the rough 4-chars-per-token heuristic.
func estimateTokens(s string) int {
	return len(s) / 4
}

const llmSystemPrompt = `You extract durable memory from a coding-agent conversation.
Reply with JSON only: {"facts":[{"key","value","category","confidence"}],"episodes":[{"title","situation","action","outcome","lesson","confidence"}]}.
Categories: preference, constraint, decision, fact. Confidence in [0,1].
Only include statements worth remembering across sessions.`

// llmExtract runs the optional model pass. Any reason it cannot run
// (no completer, unreachable, over budget, bad reply) degrades to the
// heuristic subset.
func (a *Analyzer) llmExtract(ctx context.Context, userMsg, agentResp, contextInfo string) ([]ExtractedFact, []ExtractedEpisode, bool) {
	if a.completer == nil || !a.completer.IsAvailable(ctx) {
		a.logger.WarnContext(ctx, "llm extraction unavailable, using heuristics only")
		return nil, nil, true
	}

	prompt := fmt.Sprintf("USER:\n%s\n\nAGENT:\n%s", userMsg, agentResp)
	if contextInfo != "" {
		prompt += "\n\nCONTEXT:\n" + contextInfo
	}

	cost := estimateTokens(prompt)
	if cost > a.maxTokensPerMessage {
		a.logger.WarnContext(ctx, "message over token budget, using heuristics only",
			"estimated_tokens", cost, "max_tokens_per_message", a.maxTokensPerMessage)
		return nil, nil, true
	}
	a.mu.Lock()
	if a.sessionTokens+cost > a.maxTokensPerSession {
		a.mu.Unlock()
		a.logger.WarnContext(ctx, "session token budget exhausted, using heuristics only",
			"session_tokens", a.sessionTokens, "max_tokens_per_session", a.maxTokensPerSession)
		return nil, nil, true
	}
	a.sessionTokens += cost
	a.mu.Unlock()

	reply, err := a.completer.Complete(ctx, llmSystemPrompt, prompt)
	if err != nil {
		a.logger.WarnContext(ctx, "llm extraction failed, using heuristics only", "error", err.Error())
		return nil, nil, true
	}

	var parsed struct {
		Facts    []ExtractedFact    `json:"facts"`
		Episodes []ExtractedEpisode `json:"episodes"`
	}
	if err := json.Unmarshal([]byte(extractJSON(reply)), &parsed); err != nil {
		a.logger.WarnContext(ctx, "unparseable llm reply, using heuristics only", "error", err.Error())
		return nil, nil, true
	}
	return parsed.Facts, parsed.Episodes, false
}

// extractJSON tolerates replies that wrap the JSON object in prose or
// code fences.
func extractJSON(reply string) string {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return reply
	}
	return reply[start : end+1]
}

// mergeFacts keeps heuristic results on key collision: the regex table
// is the trusted path.
func mergeFacts(heuristic, llm []ExtractedFact) []ExtractedFact {
	seen := make(map[string]struct{}, len(heuristic))
	for _, f := range heuristic {
		seen[f.Key] = struct{}{}
	}
	merged := heuristic
	for _, f := range llm {
		if _, dup := seen[f.Key]; dup {
			continue
		}
		if !f.Category.Valid() {
			f.Category = types.CategoryFact
		}
		merged = append(merged, f)
	}
	return merged
}

func mergeEpisodes(heuristic, llm []ExtractedEpisode) []ExtractedEpisode {
	seen := make(map[string]struct{}, len(heuristic))
	for _, e := range heuristic {
		seen[e.Title] = struct{}{}
	}
	merged := heuristic
	for _, e := range llm {
		if _, dup := seen[e.Title]; dup {
			continue
		}
		merged = append(merged, e)
	}
	return merged
}
