package domain

// StreamEvent is one client-facing event, serialized as a single JSON
// object per line over the chat response stream. Field shapes follow the
// wire protocol: consumers skip unknown lines, an error event ends the turn.
type StreamEvent struct {
	Text            string `json:"text,omitempty"`
	Searching       *bool  `json:"searching,omitempty"`
	Query           string `json:"query,omitempty"`
	FinalizeMessage bool   `json:"finalizeMessage,omitempty"`
	NewMessage      bool   `json:"newMessage,omitempty"`
	Title           string `json:"title,omitempty"`
	Error           string `json:"error,omitempty"`
	Done            bool   `json:"done,omitempty"`
}

// TextEvent carries one fragment of assistant output.
func TextEvent(text string) StreamEvent {
	return StreamEvent{Text: text}
}

// SearchingEvent signals the start of a tool execution, with the query for
// UI feedback.
func SearchingEvent(query string) StreamEvent {
	on := true
	return StreamEvent{Searching: &on, Query: query}
}

// SearchDoneEvent signals the end of a tool execution and the start of a
// new assistant message.
func SearchDoneEvent() StreamEvent {
	off := false
	return StreamEvent{Searching: &off, NewMessage: true}
}

// FinalizeEvent tells the client the in-progress message is complete.
func FinalizeEvent() StreamEvent {
	return StreamEvent{FinalizeMessage: true}
}

// TitleEvent carries the summarized conversation title.
func TitleEvent(title string) StreamEvent {
	return StreamEvent{Title: title}
}

// ErrorEvent is terminal: the client renders it and stops reading.
func ErrorEvent(msg string) StreamEvent {
	return StreamEvent{Error: msg}
}

// DoneEvent is the terminal event of a successful turn.
func DoneEvent() StreamEvent {
	return StreamEvent{Done: true}
}
