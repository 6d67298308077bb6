package stream

import "github.com/comigor/labs-agent/internal/history"

// Sanitize returns a copy of msgs without tool calls that never received a
// result, dropping messages left with no parts. msgs is not modified.
func Sanitize(msgs []history.Message) []history.Message {
	results := history.ResultIndex(msgs)
	out := make([]history.Message, 0, len(msgs))
	for _, m := range msgs {
		c := m.Clone()
		parts := c.Parts[:0]
		for _, p := range c.Parts {
			if p.Type == history.PartToolCall {
				if p.ToolCall == nil {
					continue
				}
				if _, ok := results[p.ToolCall.ID]; !ok {
					continue
				}
			}
			parts = append(parts, p)
		}
		if len(parts) == 0 {
			continue
		}
		c.Parts = parts
		out = append(out, c)
	}
	return out
}
