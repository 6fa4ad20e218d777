package autorun

import (
	"strconv"
	"strings"
	"time"
)

// TemplateContext provides values for the variables a task's text may
// reference. Expansion happens at dispatch time, not plan time.
type TemplateContext struct {
	AgentName      string
	AgentPath      string
	AgentSessionID string
	AgentGroup     string
	LoopNumber     int
	DocumentName   string
	Now            time.Time
}

// ExpandTemplate substitutes the recognized {{VAR}} placeholders in a task
// text. Unknown placeholders are left untouched.
func ExpandTemplate(text string, ctx TemplateContext) string {
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}
	replacer := strings.NewReplacer(
		"{{AGENT_NAME}}", ctx.AgentName,
		"{{AGENT_PATH}}", ctx.AgentPath,
		"{{AGENT_SESSION_ID}}", ctx.AgentSessionID,
		"{{AGENT_GROUP}}", ctx.AgentGroup,
		"{{DATE}}", now.Format("2006-01-02"),
		"{{TIME}}", now.Format("15:04:05"),
		"{{LOOP_NUMBER}}", strconv.Itoa(ctx.LoopNumber),
		"{{DOCUMENT_NAME}}", ctx.DocumentName,
	)
	return replacer.Replace(text)
}
