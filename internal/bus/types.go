package bus

import (
	"time"

	"github.com/google/uuid"
)

// Attachment references external content by an opaque, content-addressed ref
// (form "artifact:<id>"). The blob itself lives in the artifact store.
type Attachment struct {
	Type     string `json:"type"` // "image", "audio", "file", "document"
	Ref      string `json:"ref"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Payload is the message body. Plain chat messages carry Text (plus optional
// Attachments); structured results carry Kind and ArtifactRef.
type Payload struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Kind        string       `json:"kind,omitempty"`
	ArtifactRef string       `json:"artifactRef,omitempty"`
}

// Message is an immutable envelope once accepted by the bus.
type Message struct {
	ID        uuid.UUID `json:"messageId"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	TaskID    string    `json:"taskId"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`

	// ScheduledDeliveryTime is set for delayed sends; nil for immediate.
	ScheduledDeliveryTime *time.Time `json:"scheduledDeliveryTime,omitempty"`
	DeliveredAt           *time.Time `json:"deliveredAt,omitempty"`

	// ReasoningContent links the assistant reasoning that produced this
	// message (set by the send_message tool when the provider returned any).
	ReasoningContent string `json:"reasoning_content,omitempty"`

	// seq is the global send order, used for FIFO and delayed tie-breaking.
	seq uint64
}

// SendRequest is the input to Bus.Send.
type SendRequest struct {
	From    string
	To      string
	TaskID  string
	Payload Payload
	DelayMs int64

	// Reasoning optionally carries assistant reasoning onto the message.
	Reasoning string
}

// SendReceipt is returned from a successful Send.
type SendReceipt struct {
	MessageID             uuid.UUID  `json:"messageId"`
	ScheduledDeliveryTime *time.Time `json:"scheduledDeliveryTime,omitempty"`
}

// IsolationFunc decides whether a send is allowed. A nil func allows all.
// Returning an error (normally fault.CrossTaskDenied) rejects the send.
type IsolationFunc func(from, to, taskID string) error

// Hook observes messages. Hooks run synchronously on the sending/ticking
// goroutine and must not block.
type Hook func(*Message)

// EnqueueHook fires whenever a message lands in a recipient queue, so the
// dispatcher can wake without polling.
type EnqueueHook func(agentID string)
