package analyze

// EventInput is the model-facing projection of an economic event. Only
// the fields that shape the prompt are carried.
type EventInput struct {
	Name     string
	Currency string
	Impact   string
	Actual   string
	Forecast string
	Previous string
}

// Fields flattens the projection for prompt templates and round-trips
// through EventInputFromFields.
func (e EventInput) Fields() map[string]string {
	return map[string]string{
		"event_name": e.Name,
		"currency":   e.Currency,
		"impact":     e.Impact,
		"actual":     e.Actual,
		"forecast":   e.Forecast,
		"previous":   e.Previous,
	}
}

// EventInputFromFields rebuilds a projection produced by Fields.
func EventInputFromFields(fields map[string]string) EventInput {
	return EventInput{
		Name:     fields["event_name"],
		Currency: fields["currency"],
		Impact:   fields["impact"],
		Actual:   fields["actual"],
		Forecast: fields["forecast"],
		Previous: fields["previous"],
	}
}

// PostInput is the model-facing projection of a forum post.
type PostInput struct {
	Title   string
	Channel string
	Body    string
	URL     string
	Flair   string
}

// Result is the outcome of one analysis. Score is always finite and in
// [-1, 1]; failures surface through Raw and Meta, never as a panic or a
// missing result.
type Result struct {
	Score            float64
	Reasoning        string
	Symbols          []string
	SymbolSentiments map[string]float64
	Raw              map[string]interface{}
	Meta             Meta
}

// Meta records how a result was produced.
type Meta struct {
	Model               string
	Retries             int
	ImageDownloadFailed bool
	FailureReason       string
}

// Failed reports whether the model call itself failed. A degraded run
// that still scored (image fallback, heuristic parse) is not a failure.
func (r Result) Failed() bool {
	_, ok := r.Raw["error"]
	return ok
}

// RawPayload merges the model's raw reply with the production metadata
// into the shape persisted in raw_response. Raw keys win on collision;
// zero-valued metadata is left out.
func (r Result) RawPayload() map[string]interface{} {
	payload := make(map[string]interface{}, len(r.Raw)+4)
	if r.Meta.Model != "" {
		payload["model"] = r.Meta.Model
	}
	if r.Meta.Retries > 0 {
		payload["retries"] = r.Meta.Retries
	}
	if r.Meta.ImageDownloadFailed {
		payload["image_download_failed"] = true
	}
	if r.Meta.FailureReason != "" {
		payload["failure_reason"] = r.Meta.FailureReason
	}
	for k, v := range r.Raw {
		payload[k] = v
	}
	if len(payload) == 0 {
		return nil
	}
	return payload
}
