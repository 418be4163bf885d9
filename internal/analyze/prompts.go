package analyze

import (
	"fmt"
	"strings"
)

const eventPromptTemplate = `Analyze the following economic event and provide a sentiment score.

Event: %s
Currency: %s
Impact Level: %s
Actual: %s
Forecast: %s
Previous: %s

Score the sentiment impact on %s from -1.0 (strongly bearish) to 1.0 (strongly bullish).

Consider:
- Whether actual beat/missed forecast
- The magnitude of the difference
- Historical significance of this indicator
- Market expectations

Respond with JSON only:
{"score": <float>, "reasoning": "<brief explanation>"}`

const postPromptTemplate = `Analyze the following forum post for market sentiment.

Channel: %s
Title: %s
Flair: %s
Body: %s
Link: %s

Score the overall market sentiment from -1.0 (strongly bearish) to 1.0 (strongly bullish).
List every ticker, crypto or currency symbol the post discusses and score each one individually.

Respond with JSON only:
{"score": <float>, "reasoning": "<brief explanation>", "symbols": ["<symbol>", ...], "symbol_sentiments": {"<symbol>": <float>, ...}}`

// imageState selects the post prompt variant.
type imageState int

const (
	imageNone imageState = iota
	imageAttached
	imageUnavailable
)

// formatValue renders a field for the prompt. Empty and blank values
// become N/A so the model never sees a dangling label.
func formatValue(v string) string {
	if strings.TrimSpace(v) == "" {
		return "N/A"
	}
	return v
}

func buildEventPrompt(ev EventInput) string {
	return fmt.Sprintf(eventPromptTemplate,
		formatValue(ev.Name),
		formatValue(ev.Currency),
		formatValue(ev.Impact),
		formatValue(ev.Actual),
		formatValue(ev.Forecast),
		formatValue(ev.Previous),
		formatValue(ev.Currency),
	)
}

// buildPostPrompt renders the post prompt. When the image failed to
// download the prompt keeps the URL, says the image is unavailable and
// steers the model to the text. That variant is deliberately explicit
// so a dead image never reads like a plain text post.
func buildPostPrompt(post PostInput, state imageState) string {
	prompt := fmt.Sprintf(postPromptTemplate,
		formatValue(post.Channel),
		formatValue(post.Title),
		formatValue(post.Flair),
		formatValue(post.Body),
		formatValue(post.URL),
	)

	switch state {
	case imageAttached:
		prompt += "\n\nThe attached image belongs to this post. Read any chart or screenshot it contains."
	case imageUnavailable:
		prompt += fmt.Sprintf(
			"\n\nThe post links an image at %s which was unavailable for download. Reason from the title and text alone; do not guess at the image contents.",
			post.URL,
		)
	}
	return prompt
}
