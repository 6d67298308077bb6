package agent

import (
	"strings"
	"time"

	"github.com/comigor/labs-agent/internal/logger"
)

const defaultSystemPrompt = `You are an AI assistant with access to scheduling and Notion tools.

Available capabilities:
- Schedule tasks for later execution
- Parse Slack messages about lab assignments
- Add items to Notion (Labs page and Schedule database)
- Get local time for any location

When a user asks about Slack messages or labs:
1. Use parseSlackMessage to extract lab info
2. For EACH lab in the parsed result, call both addLabItem AND addScheduleItem
3. Confirm what you added

When a user asks to schedule something:
1. Use scheduleTask to set it up

Always confirm what you're doing before executing tools.`

// systemPrompt combines the configured (or default) prompt, prompts found
// on MCP servers and the scheduling instructions.
func (a *Agent) systemPrompt() string {
	var b strings.Builder
	if a.deps.Config.SystemPrompt != "" {
		b.WriteString(a.deps.Config.SystemPrompt)
	} else {
		b.WriteString(defaultSystemPrompt)
	}
	for _, p := range a.deps.Prompts {
		b.WriteString("\n\n")
		b.WriteString(p)
	}
	b.WriteString("\n\n")
	b.WriteString(schedulePrompt(a.deps.Now()))

	prompt := b.String()
	logger.L.Debug("system prompt", "conversation", a.name, "length", len(prompt))
	return prompt
}

func schedulePrompt(now time.Time) string {
	return "Current time: " + now.Format(time.RFC3339) + " (" + now.Weekday().String() + `).

To schedule a task, call scheduleTask with a description and either "when" (an RFC3339 timestamp) or "delaySeconds". ` +
		`Use getScheduledTasks to list pending tasks and cancelScheduledTask to remove one. ` +
		`If the user asks for a recurring schedule, explain that only one-shot tasks are supported.`
}
