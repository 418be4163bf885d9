package analyze

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildEventPrompt_AllFields(t *testing.T) {
	prompt := buildEventPrompt(EventInput{
		Name:     "Non-Farm Payrolls",
		Currency: "USD",
		Impact:   "high",
		Actual:   "272K",
		Forecast: "180K",
		Previous: "165K",
	})

	assert.Contains(t, prompt, "Event: Non-Farm Payrolls")
	assert.Contains(t, prompt, "Currency: USD")
	assert.Contains(t, prompt, "Actual: 272K")
	assert.Contains(t, prompt, "Forecast: 180K")
	assert.Contains(t, prompt, "sentiment impact on USD")
	assert.Contains(t, prompt, `{"score": <float>, "reasoning": "<brief explanation>"}`,
		"prompt must pin the reply schema")
}

func TestBuildEventPrompt_MissingValuesBecomeNA(t *testing.T) {
	prompt := buildEventPrompt(EventInput{
		Name:     "German Ifo Business Climate",
		Currency: "EUR",
		Impact:   "medium",
		Actual:   "",
		Forecast: "  ",
	})

	assert.Contains(t, prompt, "Actual: N/A")
	assert.Contains(t, prompt, "Forecast: N/A", "blank values read as N/A, not as empty labels")
	assert.Contains(t, prompt, "Previous: N/A")
}

func TestBuildPostPrompt_TextOnly(t *testing.T) {
	prompt := buildPostPrompt(PostInput{
		Title:   "CPI beats expectations",
		Channel: "wallstreetbets",
		Body:    "Inflation cooling fast",
	}, imageNone)

	assert.Contains(t, prompt, "Title: CPI beats expectations")
	assert.Contains(t, prompt, "Channel: wallstreetbets")
	assert.Contains(t, prompt, "symbol_sentiments")
	assert.NotContains(t, prompt, "image", "text-only posts say nothing about images")
}

func TestBuildPostPrompt_ImageUnavailable(t *testing.T) {
	post := PostInput{
		Title:   "EUR/USD breakout chart",
		Channel: "Forex",
		URL:     "https://i.redd.it/breakout.png",
	}
	prompt := buildPostPrompt(post, imageUnavailable)

	assert.Contains(t, prompt, post.URL, "fallback prompt must still carry the image URL")
	assert.Contains(t, prompt, "unavailable")
	assert.Contains(t, prompt, "title and text alone")
	assert.Contains(t, prompt, post.Title)
	assert.Contains(t, prompt, post.Channel)
}

func TestBuildPostPrompt_ImageAttached(t *testing.T) {
	prompt := buildPostPrompt(PostInput{
		Title: "Daily chart",
		URL:   "https://i.redd.it/chart.png",
	}, imageAttached)

	assert.Contains(t, prompt, "attached image")
	assert.NotContains(t, prompt, "unavailable")
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "0.5%", formatValue("0.5%"))
	assert.Equal(t, "N/A", formatValue(""))
	assert.Equal(t, "N/A", formatValue("   "))
	assert.Equal(t, "0", formatValue("0"), "a literal zero is data, not a missing value")
}
