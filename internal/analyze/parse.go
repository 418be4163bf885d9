package analyze

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// parsed is the decoded model reply before symbol merging.
type parsed struct {
	Score            float64
	Reasoning        string
	Symbols          []string
	SymbolSentiments map[string]float64
	Note             string
}

var (
	fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

	scorePatterns = []*regexp.Regexp{
		regexp.MustCompile(`score[:\s]+is[:\s]+(-?\d+\.?\d*)`),
		regexp.MustCompile(`score[:\s]+(-?\d+\.?\d*)`),
		regexp.MustCompile(`sentiment[:\s]+score[:\s]+(-?\d+\.?\d*)`),
		regexp.MustCompile(`(-?\d+\.?\d*)\s*(?:out of|/)\s*1`),
	}

	bullishCues = []string{"bullish", "positive", "optimistic", "favorable"}
	bearishCues = []string{"bearish", "negative", "pessimistic", "unfavorable"}
)

// clampScore pins a score to [-1, 1].
func clampScore(s float64) float64 {
	if s > 1.0 {
		return 1.0
	}
	if s < -1.0 {
		return -1.0
	}
	return s
}

// parseResponse decodes a model reply. The model is asked for bare JSON
// but routinely wraps it in fences or prose; the JSON object is dug out
// first and keyword heuristics cover replies with no usable JSON at all.
func parseResponse(text string) parsed {
	if strings.TrimSpace(text) == "" {
		return parsed{Note: "empty response"}
	}

	if raw := extractJSONObject(text); raw != "" {
		if p, ok := decodeJSONReply(raw); ok {
			return p
		}
	}

	score, reasoning := scoreFromText(text)
	return parsed{
		Score:     score,
		Reasoning: reasoning,
		Note:      "no parseable JSON, used keyword fallback",
	}
}

// extractJSONObject returns the outermost balanced {...} in text, with
// Markdown fences stripped first. Returns "" when no object closes.
func extractJSONObject(text string) string {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func decodeJSONReply(raw string) (parsed, bool) {
	var reply struct {
		Score            interface{}        `json:"score"`
		Sentiment        interface{}        `json:"sentiment"`
		Reasoning        string             `json:"reasoning"`
		Symbols          []string           `json:"symbols"`
		SymbolSentiments map[string]float64 `json:"symbol_sentiments"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return parsed{}, false
	}

	p := parsed{
		Reasoning:        reply.Reasoning,
		Symbols:          reply.Symbols,
		SymbolSentiments: reply.SymbolSentiments,
	}

	// Some model revisions answer with "sentiment" instead of "score".
	value := reply.Score
	if value == nil {
		value = reply.Sentiment
	}
	score, ok := coerceScore(value)
	if !ok {
		p.Note = "missing or non-numeric score"
		return p, true
	}
	p.Score = clampScore(score)
	return p, true
}

// coerceScore accepts the numeric shapes models actually produce:
// JSON numbers and numbers quoted as strings. Anything else scores 0.
func coerceScore(v interface{}) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case json.Number:
		f, err := value.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// scoreFromText is the last-resort parser: an explicit score mention
// wins, then directional keywords map to a mild +-0.3 signal.
func scoreFromText(text string) (float64, string) {
	reasoning := strings.TrimSpace(text)
	lower := strings.ToLower(text)

	for _, re := range scorePatterns {
		if m := re.FindStringSubmatch(lower); m != nil {
			if f, err := strconv.ParseFloat(m[1], 64); err == nil {
				return clampScore(f), reasoning
			}
		}
	}

	for _, cue := range bullishCues {
		if strings.Contains(lower, cue) {
			return 0.3, reasoning
		}
	}
	for _, cue := range bearishCues {
		if strings.Contains(lower, cue) {
			return -0.3, reasoning
		}
	}
	return 0.0, reasoning
}
