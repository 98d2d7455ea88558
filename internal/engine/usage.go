package engine

import "encoding/json"

// Summary is the response summary recorded in a UsageEntry on success: id,
// created, usage, and per-choice finish reasons, never the message text
// (§4.7). Shaped after the OpenAI-compatible chat.completion(.chunk) schema
// rather than Claude's message_start/message_delta pair.
type Summary struct {
	ID           string         `json:"id,omitempty"`
	Created      int64          `json:"created,omitempty"`
	Model        string         `json:"model,omitempty"`
	FinishReason []string       `json:"finish_reasons,omitempty"`
	Usage        map[string]int `json:"usage,omitempty"`
}

// parseJSONSummary extracts a Summary from a complete, non-streaming
// chat.completion JSON body.
func parseJSONSummary(body []byte) *Summary {
	var resp struct {
		ID      string `json:"id"`
		Created int64  `json:"created"`
		Model   string `json:"model"`
		Choices []struct {
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage map[string]int `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil
	}
	s := &Summary{ID: resp.ID, Created: resp.Created, Model: resp.Model, Usage: resp.Usage}
	for _, c := range resp.Choices {
		if c.FinishReason != "" {
			s.FinishReason = append(s.FinishReason, c.FinishReason)
		}
	}
	return s
}

// chunkAccumulator folds a sequence of chat.completion.chunk SSE events into
// a single Summary, mirroring relay.ParseMessageStart/ParseMessageDelta's
// fold-as-you-scan shape but over the OpenAI chunk fields instead of
// Claude's message_start/message_delta pair.
type chunkAccumulator struct {
	summary Summary
}

func (a *chunkAccumulator) observe(data []byte) {
	var chunk struct {
		ID      string `json:"id"`
		Created int64  `json:"created"`
		Model   string `json:"model"`
		Choices []struct {
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage map[string]int `json:"usage"`
	}
	if err := json.Unmarshal(data, &chunk); err != nil {
		return
	}
	if a.summary.ID == "" {
		a.summary.ID = chunk.ID
	}
	if a.summary.Created == 0 {
		a.summary.Created = chunk.Created
	}
	if a.summary.Model == "" {
		a.summary.Model = chunk.Model
	}
	for _, c := range chunk.Choices {
		if c.FinishReason != nil && *c.FinishReason != "" {
			a.summary.FinishReason = append(a.summary.FinishReason, *c.FinishReason)
		}
	}
	if chunk.Usage != nil {
		a.summary.Usage = chunk.Usage
	}
}
