package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// wireEvent is one NDJSON line of `claude --output-format stream-json`.
type wireEvent struct {
	Type         string           `json:"type"`
	Subtype      string           `json:"subtype"`
	SessionID    string           `json:"session_id"`
	Model        string           `json:"model"`
	Message      *wireMessage     `json:"message"`
	Event        *wireStreamEvent `json:"event"`
	IsError      bool             `json:"is_error"`
	Result       string           `json:"result"`
	NumTurns     int              `json:"num_turns"`
	DurationMS   int64            `json:"duration_ms"`
	TotalCostUSD float64          `json:"total_cost_usd"`
	Usage        *Usage           `json:"usage"`
}

type wireMessage struct {
	Model   string      `json:"model"`
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

type wireStreamEvent struct {
	Type         string     `json:"type"`
	ContentBlock *wireBlock `json:"content_block"`
	Delta        *wireBlock `json:"delta"`
}

// decoder turns stream-json lines into Events. With partial set, text comes
// from incremental deltas and whole assistant messages only carry tool use.
type decoder struct {
	partial    bool
	sessionID  string
	model      string
	sawContent bool
	tools      []string
}

func (d *decoder) decode(line []byte) ([]Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	var ev wireEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedLine, err)
	}

	var out []Event
	if ev.SessionID != "" && ev.SessionID != d.sessionID {
		d.sessionID = ev.SessionID
		out = append(out, Event{Kind: EventSession, SessionID: ev.SessionID})
	}

	switch ev.Type {
	case "system":
		if ev.Subtype == "init" && ev.Model != "" {
			d.model = ev.Model
		}
	case "assistant":
		if ev.Message == nil {
			break
		}
		if ev.Message.Model != "" {
			d.model = ev.Message.Model
		}
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "tool_use":
				d.tools = append(d.tools, block.Name)
			case "text":
				if !d.partial && block.Text != "" {
					out = append(out, d.content(block.Text))
				}
			}
		}
	case "stream_event":
		if !d.partial || ev.Event == nil {
			break
		}
		switch ev.Event.Type {
		case "content_block_start":
			if ev.Event.ContentBlock != nil && ev.Event.ContentBlock.Type == "text" && d.sawContent {
				out = append(out, Event{Kind: EventContent, Text: "\n\n"})
			}
		case "content_block_delta":
			if ev.Event.Delta != nil && ev.Event.Delta.Type == "text_delta" && ev.Event.Delta.Text != "" {
				d.sawContent = true
				out = append(out, Event{Kind: EventContent, Text: ev.Event.Delta.Text})
			}
		}
	case "result":
		if ev.IsError {
			return out, resultError(ev)
		}
		if !d.sawContent && ev.Result != "" {
			out = append(out, d.content(ev.Result))
		}
		c := &Completion{
			SessionID:  d.sessionID,
			Turns:      ev.NumTurns,
			CostUSD:    ev.TotalCostUSD,
			DurationMS: ev.DurationMS,
			Result:     ev.Result,
			Model:      d.model,
		}
		if ev.Usage != nil {
			c.Usage = *ev.Usage
		}
		out = append(out, Event{Kind: EventCompletion, Completion: c})
	}
	return out, nil
}

// content separates text from successive assistant messages with a blank
// line.
func (d *decoder) content(text string) Event {
	if d.sawContent {
		text = "\n\n" + text
	}
	d.sawContent = true
	return Event{Kind: EventContent, Text: text}
}

func resultError(ev wireEvent) error {
	switch {
	case IsStaleSessionText(ev.Result):
		return fmt.Errorf("%w: %s", ErrSessionNotFound, ev.Result)
	case isAuthenticationText(ev.Result):
		return &AuthenticationError{Message: ev.Result}
	default:
		return &ResultError{Subtype: ev.Subtype, Message: ev.Result}
	}
}
