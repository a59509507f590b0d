package toolindex

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// ScoredTool is a tool with its relevance to a task.
type ScoredTool struct {
	Tool  Tool
	Score float64
}

// Ranker orders tools by relevance to a task. An external semantic ranker
// can be plugged in; the built-in fallback is token matching.
type Ranker interface {
	Rank(ctx context.Context, task string, tools []Tool) ([]ScoredTool, error)
}

// Per-server cue words used to boost the token score, matching the
// vocabulary tasks tend to use for each server family.
var serverKeywords = map[string][]string{
	"calculator": {"calculate", "add", "multiply", "math", "compute", "sum", "subtract", "divide"},
	"weather":    {"weather", "temperature", "forecast", "climate", "rain", "sunny"},
	"filesystem": {"file", "read", "write", "directory", "folder", "path"},
	"database":   {"database", "query", "sql", "table", "data", "insert", "select"},
}

// Selector picks the tools most relevant to a task description.
type Selector struct {
	ranker    Ranker
	threshold float64
	topK      int
	logger    *slog.Logger
}

// NewSelector creates a selector. A nil ranker uses token matching only.
func NewSelector(ranker Ranker, threshold float64, topK int, logger *slog.Logger) *Selector {
	if threshold <= 0 {
		threshold = 0.3
	}
	if topK <= 0 {
		topK = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{ranker: ranker, threshold: threshold, topK: topK, logger: logger}
}

// Select returns up to topK tools scoring at or above the threshold,
// grouped by server. When the configured ranker fails, token matching is
// the fallback.
func (s *Selector) Select(ctx context.Context, task string, tools []Tool) map[string][]string {
	var scored []ScoredTool
	if s.ranker != nil {
		ranked, err := s.ranker.Rank(ctx, task, tools)
		if err != nil {
			s.logger.Warn("ranker failed, falling back to token matching", slog.String("error", err.Error()))
		} else {
			scored = ranked
		}
	}
	if scored == nil {
		scored = s.tokenRank(task, tools)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	selected := make(map[string][]string)
	count := 0
	for _, st := range scored {
		if count >= s.topK || st.Score < s.threshold {
			break
		}
		selected[st.Tool.Server] = append(selected[st.Tool.Server], st.Tool.Name)
		count++
	}
	return selected
}

var wordRe = regexp.MustCompile(`[a-z0-9]+`)

// tokenRank scores each tool by the share of task tokens found in its
// description, boosted when a server cue word appears in both task and
// description.
func (s *Selector) tokenRank(task string, tools []Tool) []ScoredTool {
	taskTokens := tokenize(task)
	if len(taskTokens) == 0 {
		return nil
	}

	scored := make([]ScoredTool, 0, len(tools))
	for _, tool := range tools {
		descTokens := tokenize(tool.Description + " " + tool.Name)
		overlap := 0
		for token := range taskTokens {
			if descTokens[token] {
				overlap++
			}
		}
		score := float64(overlap) / float64(len(taskTokens))

		taskLower := strings.ToLower(task)
		descLower := strings.ToLower(tool.Description)
		for _, cue := range serverKeywords[tool.Server] {
			if strings.Contains(taskLower, cue) && strings.Contains(descLower, cue) {
				score += 0.5
				break
			}
		}
		scored = append(scored, ScoredTool{Tool: tool, Score: score})
	}
	return scored
}

func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, word := range wordRe.FindAllString(strings.ToLower(text), -1) {
		tokens[word] = true
	}
	return tokens
}
