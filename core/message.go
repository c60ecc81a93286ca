package core

import (
	"github.com/google/uuid"
)

// Kind categorizes pipeline messages
type Kind string

const (
	KindData             Kind = "data"
	KindError            Kind = "error"
	KindControl          Kind = "control"
	KindToolCall         Kind = "tool_call"
	KindToolResponse     Kind = "tool_response"
	KindToolRegistration Kind = "tool_registration"
)

// MetaClientID is the metadata key carrying the originating client identifier.
// Every step that forwards a message must preserve it so replies can be routed
// back to the right connection.
const MetaClientID = "client_id"

// Message is the unit of work exchanged between pipeline steps. The kind is
// fixed at construction and selects the payload shape; metadata carries
// routing keys end to end.
type Message struct {
	ID       string
	Payload  any
	Metadata map[string]string

	kind Kind
}

func newMessage(kind Kind, payload any, metadata map[string]string) Message {
	return Message{
		ID:       uuid.NewString(),
		Payload:  payload,
		Metadata: metadata,
		kind:     kind,
	}
}

// Kind returns the message kind. There is no setter: a message never changes
// kind after construction.
func (m Message) Kind() Kind {
	return m.kind
}

// Meta returns the metadata value for key, if present.
func (m Message) Meta(key string) (string, bool) {
	if m.Metadata == nil {
		return "", false
	}
	v, ok := m.Metadata[key]
	return v, ok
}

// WithMeta returns a copy of the message with key set in its metadata.
func (m Message) WithMeta(key, value string) Message {
	meta := make(map[string]string, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		meta[k] = v
	}
	meta[key] = value
	m.Metadata = meta
	return m
}

// CarryMeta returns a copy of the message with any metadata keys missing from
// it copied over from src. Steps use it to keep routing keys intact when they
// produce a reply to an inbound message.
func (m Message) CarryMeta(src Message) Message {
	if len(src.Metadata) == 0 {
		return m
	}
	meta := make(map[string]string, len(m.Metadata)+len(src.Metadata))
	for k, v := range src.Metadata {
		meta[k] = v
	}
	for k, v := range m.Metadata {
		meta[k] = v
	}
	m.Metadata = meta
	return m
}

// NewData creates a Data message
func NewData(payload any) Message {
	return newMessage(KindData, payload, nil)
}

// NewDataWithMeta creates a Data message with the given metadata
func NewDataWithMeta(payload any, metadata map[string]string) Message {
	return newMessage(KindData, payload, metadata)
}

// ErrorPayload carries a step failure
type ErrorPayload struct {
	StepName string
	Err      error
}

func (p ErrorPayload) Error() string {
	if p.Err == nil {
		return "step " + p.StepName + " failed"
	}
	return "step " + p.StepName + ": " + p.Err.Error()
}

// NewError creates an Error message tagged with the originating step name
func NewError(stepName string, cause error) Message {
	return newMessage(KindError, ErrorPayload{StepName: stepName, Err: cause}, nil)
}

// NewControl creates a Control message
func NewControl(payload any) Message {
	return newMessage(KindControl, payload, nil)
}

// ToolCallPayload is a request to invoke a tool
type ToolCallPayload struct {
	ToolName   string
	ToolCallID string
	Parameters map[string]any
}

// NewToolCall creates a ToolCall message
func NewToolCall(payload ToolCallPayload) Message {
	return newMessage(KindToolCall, payload, nil)
}

// ToolResponsePayload is a tool's reply to a ToolCall
type ToolResponsePayload struct {
	ToolCallID string
	ToolName   string
	Result     any
	Err        string
}

// NewToolResponse creates a ToolResponse message
func NewToolResponse(payload ToolResponsePayload) Message {
	return newMessage(KindToolResponse, payload, nil)
}

// ToolRegistrationPayload announces a tool definition to interested steps
type ToolRegistrationPayload struct {
	Definition map[string]any
	SourceStep string
}

// NewToolRegistration creates a ToolRegistration message
func NewToolRegistration(payload ToolRegistrationPayload) Message {
	return newMessage(KindToolRegistration, payload, nil)
}
