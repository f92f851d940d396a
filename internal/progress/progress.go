// Package progress decodes the envelopes carried inside `progress` stream events.
//
// The backend has emitted several envelope shapes over time. Each payload is
// classified into exactly one shape and decoded by that shape's arm; anything
// unrecognised (system and init messages included) yields no deltas.
package progress

import (
	"encoding/json"
)

// Delta is one unit extracted from a progress payload: either a text fragment
// or a tool-invocation marker.
type Delta struct {
	Text string
	Tool string
}

// IsTool reports whether d marks a tool invocation.
func (d Delta) IsTool() bool {
	return d.Tool != ""
}

type shape int

const (
	shapeUnknown shape = iota
	shapeText
	shapeContentBlockDelta
	shapeToolUse
	shapeAssistantEnvelope
	shapeRoleContent
)

type envelope struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Tool    string          `json:"tool"`
	Content json.RawMessage `json:"content"`
	Message *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	Delta *struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type block struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

// Interpret extracts the deltas of payload in document order.
func Interpret(payload string) []Delta {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil
	}

	switch classify(&env) {
	case shapeText:
		if env.Text != "" {
			return []Delta{{Text: env.Text}}
		}
		return stringContent(env.Content)
	case shapeContentBlockDelta:
		if env.Delta.Text == "" {
			return nil
		}
		return []Delta{{Text: env.Delta.Text}}
	case shapeToolUse:
		return []Delta{{Tool: firstNonEmpty(env.Name, env.Tool)}}
	case shapeAssistantEnvelope:
		return contentDeltas(env.Message.Content)
	case shapeRoleContent:
		return contentDeltas(env.Content)
	case shapeUnknown:
		return nil
	}
	return nil
}

// Text concatenates the text deltas of payload.
func Text(payload string) string {
	var out string
	for _, d := range Interpret(payload) {
		out += d.Text
	}
	return out
}

func classify(env *envelope) shape {
	switch env.Type {
	case "text", "progress":
		return shapeText
	case "content_block_delta":
		if env.Delta != nil {
			return shapeContentBlockDelta
		}
	case "tool_use":
		if env.Name != "" || env.Tool != "" {
			return shapeToolUse
		}
	case "assistant":
		if env.Message != nil {
			return shapeAssistantEnvelope
		}
	}
	if env.Role == "assistant" && len(env.Content) > 0 {
		return shapeRoleContent
	}
	return shapeUnknown
}

func stringContent(raw json.RawMessage) []Delta {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil || s == "" {
		return nil
	}
	return []Delta{{Text: s}}
}

// contentDeltas decodes content given either as a plain string or as a list of blocks.
func contentDeltas(raw json.RawMessage) []Delta {
	if deltas := stringContent(raw); deltas != nil {
		return deltas
	}

	var blocks []block
	if len(raw) == 0 || json.Unmarshal(raw, &blocks) != nil {
		return nil
	}

	var deltas []Delta
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				deltas = append(deltas, Delta{Text: b.Text})
			}
		case "tool_use":
			if b.Name != "" {
				deltas = append(deltas, Delta{Tool: b.Name})
			}
		}
	}
	return deltas
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
