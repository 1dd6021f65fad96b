package domain

// Turn is one entry of the working message list fed to the model on each
// loop iteration. Unlike Message it is turn-scoped and never persisted:
// tool-call and tool-result turns exist only in memory so the model can see
// its own search round-trips.
type Turn struct {
	Role       string
	Content    string
	ToolCall   *ToolInvocation
	ToolResult *ToolResult
}

// ToolInvocation is a pending tool call announced by the model. RawArgs
// accumulates argument fragments and is parsed only once the provider
// signals the call is complete.
type ToolInvocation struct {
	ID      string
	Name    string
	RawArgs string
}

// ToolResult carries the formatted result text for a completed tool call
// back to the model on the next iteration.
type ToolResult struct {
	CallID  string
	Content string
}

// TextTurn builds a plain text turn.
func TextTurn(role, content string) Turn {
	return Turn{Role: role, Content: content}
}

// ToolCallTurn builds the synthetic assistant turn recording a tool call.
func ToolCallTurn(call ToolInvocation) Turn {
	return Turn{Role: RoleAssistant, ToolCall: &call}
}

// ToolResultTurn builds the synthetic turn carrying a tool result.
func ToolResultTurn(callID, content string) Turn {
	return Turn{Role: RoleUser, ToolResult: &ToolResult{CallID: callID, Content: content}}
}

// TurnsFromMessages converts persisted history into a working message list.
func TurnsFromMessages(messages []Message) []Turn {
	turns := make([]Turn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, TextTurn(m.Role, m.Content))
	}
	return turns
}
