package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jamesprial/vmnetsync/internal/metrics"
	"github.com/jamesprial/vmnetsync/internal/safety"
)

// Audit results recorded by handlers besides "error: ...".
const (
	ResultOK      = "ok"
	ResultDenied  = "denied"
	ResultConfirm = "confirmation requested"
)

// JSONResult marshals v to indented JSON and returns an mcp.CallToolResult.
func JSONResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult(fmt.Sprintf("marshal result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// ErrorResult returns a result flagged as a tool error.
func ErrorResult(msg string) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("error: %s", msg))
}

// LogAudit records a tool invocation in the audit log, if there is one, and
// counts it.
func LogAudit(audit *safety.AuditLogger, toolName string, params map[string]any, result string, start time.Time) {
	metrics.ToolCalls.WithLabelValues(toolName, outcome(result)).Inc()
	if audit == nil {
		return
	}
	_ = audit.Log(safety.AuditEntry{
		Timestamp: start,
		Tool:      toolName,
		Params:    params,
		Result:    result,
		Duration:  time.Since(start),
	})
}

func outcome(result string) string {
	switch {
	case result == ResultOK:
		return "ok"
	case result == ResultDenied:
		return "denied"
	case result == ResultConfirm:
		return "confirm"
	case strings.HasPrefix(result, "error"):
		return "error"
	default:
		return result
	}
}

// ConfirmPrompt issues a confirmation token for toolName on resource and
// returns the prompt asking the caller to repeat the call with it.
func ConfirmPrompt(confirm *safety.ConfirmationTracker, toolName, resource, description string) *mcp.CallToolResult {
	token := confirm.RequestConfirmation(toolName, resource, description)
	return mcp.NewToolResultText(fmt.Sprintf(
		"Confirmation required for %s on %q.\n\n%s\n\nTo proceed, call %s again with the same arguments and confirmation_token=%q.",
		toolName, resource, description, toolName, token,
	))
}
