package ws

import (
	"encoding/json"
	"errors"

	"github.com/christopherjohns/dmrelay/internal/message"
)

// Frame type tags.
const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeTyping     = "typing"
	TypeStopTyping = "stopTyping"
	TypeEdit       = "edit"
	TypeError      = "error"
	TypeInfo       = "info"
)

// ErrUnrecognizedFrame is returned by ParseFrame for payloads that are not
// valid JSON objects or match none of the known frame shapes.
var ErrUnrecognizedFrame = errors.New("unrecognized frame")

// Frame is one inbound client frame. The concrete type is one of
// RegisterFrame, TypingFrame, ChatFrame or EditFrame.
type Frame interface {
	Kind() string
}

// RegisterFrame binds an identity to the sending session.
type RegisterFrame struct {
	Username string
}

// TypingFrame is an ephemeral typing signal. It is relayed to the recipient
// in the same shape it arrived in.
type TypingFrame struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
}

// ChatFrame is a new direct message.
type ChatFrame struct {
	Sender    string
	Recipient string
	Body      string
}

// EditFrame replaces the body of a stored message.
type EditFrame struct {
	MessageID string
	NewBody   string
	Sender    string
	Recipient string
}

func (RegisterFrame) Kind() string { return TypeRegister }
func (f TypingFrame) Kind() string { return f.Type }
func (ChatFrame) Kind() string     { return "chat" }
func (EditFrame) Kind() string     { return TypeEdit }

// rawFrame holds the undecoded fields of an inbound payload. Fields are
// decoded on demand so a malformed field only disqualifies the frame kinds
// that need it.
type rawFrame map[string]json.RawMessage

// field returns the named field when it is a JSON string, or "" when it is
// absent or of another type.
func (r rawFrame) field(key string) string {
	var s string
	if v, ok := r[key]; ok {
		_ = json.Unmarshal(v, &s)
	}
	return s
}

// ParseFrame decodes one inbound payload into exactly one Frame. A
// recognized type tag with a valid shape decides the frame kind; otherwise
// a chat message is inferred from its fields.
func ParseFrame(data []byte) (Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return nil, ErrUnrecognizedFrame
	}

	typ := raw.field("type")
	switch typ {
	case TypeRegister:
		if name := raw.field("username"); name != "" {
			return RegisterFrame{Username: name}, nil
		}
	case TypeTyping, TypeStopTyping:
		return TypingFrame{Type: typ, Sender: raw.field("sender"), Recipient: raw.field("recipient")}, nil
	case TypeEdit:
		if id := raw.field("messageId"); id != "" {
			return EditFrame{
				MessageID: id,
				NewBody:   raw.field("newMessage"),
				Sender:    raw.field("sender"),
				Recipient: raw.field("recipient"),
			}, nil
		}
	}

	sender, recipient, body := raw.field("sender"), raw.field("recipient"), raw.field("message")
	if sender != "" && recipient != "" && body != "" {
		return ChatFrame{Sender: sender, Recipient: recipient, Body: body}, nil
	}
	return nil, ErrUnrecognizedFrame
}

// Outbound frames.

type noticeFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type registeredFrame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

type editNoticeFrame struct {
	Type    string           `json:"type"`
	Message *message.Message `json:"message"`
}

func encodeError(text string) []byte {
	return mustMarshal(noticeFrame{Type: TypeError, Message: text})
}

func encodeInfo(text string) []byte {
	return mustMarshal(noticeFrame{Type: TypeInfo, Message: text})
}

func encodeRegistered(username string) []byte {
	return mustMarshal(registeredFrame{Type: TypeRegistered, Username: username})
}

func encodeEditNotice(m *message.Message) []byte {
	return mustMarshal(editNoticeFrame{Type: TypeEdit, Message: m})
}

// mustMarshal encodes frames built from plain structs, which cannot fail.
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("ws: marshal frame: " + err.Error())
	}
	return data
}
