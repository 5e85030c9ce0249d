package ws

import (
	"context"
	"errors"
	"log/slog"

	"github.com/christopherjohns/dmrelay/internal/message"
	"github.com/christopherjohns/dmrelay/internal/user"
	"nhooyr.io/websocket"
)

// Client-facing failure texts.
const (
	errRegisterText = "Error registering user"
	errSendText     = "Error processing message"
	errEditText     = "Error editing message"

	supersededReason = "superseded by a newer registration"
)

// Coordinator performs the effect of each routed frame: persistence first,
// then delivery to whichever sessions are online.
type Coordinator struct {
	registry *Registry
	conns    *ConnManager
	messages message.Store
	users    user.Directory
	logger   *slog.Logger
}

// NewCoordinator creates a Coordinator. A nil logger uses slog.Default.
func NewCoordinator(registry *Registry, conns *ConnManager, messages message.Store, users user.Directory, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry: registry,
		conns:    conns,
		messages: messages,
		users:    users,
		logger:   logger.With("component", "delivery"),
	}
}

// Register records the user if unseen and binds it to s. A session already
// holding the name is evicted.
func (c *Coordinator) Register(ctx context.Context, s *Session, f RegisterFrame) {
	_, created, err := user.Ensure(ctx, c.users, f.Username)
	if err != nil {
		c.logger.Error("register failed", "session", s.ID(), "username", f.Username, "error", err)
		c.send(s, encodeError(errRegisterText))
		return
	}
	if !s.Alive() {
		return
	}

	if prev := c.registry.Register(f.Username, s); prev != nil {
		c.conns.Evict(prev, websocket.StatusPolicyViolation, supersededReason)
	}
	c.logger.Info("registered", "session", s.ID(), "username", f.Username, "created", created)
	c.send(s, encodeRegistered(f.Username))
}

// Typing relays a typing signal to the recipient. Offline recipients drop it.
func (c *Coordinator) Typing(s *Session, f TypingFrame) {
	target := c.registry.Lookup(f.Recipient)
	if target == nil {
		return
	}
	c.send(target, mustMarshal(f))
}

// Chat persists a new message and delivers it to the recipient and back to
// the sender. When the recipient cannot be reached the sender is told so.
func (c *Coordinator) Chat(ctx context.Context, s *Session, f ChatFrame) {
	msg := &message.Message{
		Sender:    f.Sender,
		Recipient: f.Recipient,
		Body:      f.Body,
	}
	if err := c.messages.Insert(ctx, msg); err != nil {
		c.logger.Error("persist message failed", "session", s.ID(), "sender", f.Sender, "error", err)
		c.send(s, encodeError(errSendText))
		return
	}

	data := mustMarshal(msg)
	recipient := c.registry.Lookup(f.Recipient)
	delivered := false
	if recipient != nil {
		err := c.send(recipient, data)
		delivered = !errors.Is(err, ErrSessionClosed)
	}
	if !delivered {
		c.logger.Debug("recipient offline", "id", msg.ID, "recipient", f.Recipient)
		c.send(s, encodeInfo("Recipient "+f.Recipient+" is offline"))
	}

	if sender := c.registry.Lookup(f.Sender); sender != nil && sender != recipient {
		c.send(sender, data)
	}
}

// Edit replaces a message body and notifies both participants. Editing an
// unknown id does nothing.
func (c *Coordinator) Edit(ctx context.Context, s *Session, f EditFrame) {
	updated, err := c.messages.Update(ctx, f.MessageID, f.NewBody)
	if errors.Is(err, message.ErrNotFound) {
		c.logger.Debug("edit of unknown message", "session", s.ID(), "id", f.MessageID)
		return
	}
	if err != nil {
		c.logger.Error("edit message failed", "session", s.ID(), "id", f.MessageID, "error", err)
		c.send(s, encodeError(errEditText))
		return
	}

	sender, recipient := f.Sender, f.Recipient
	if sender == "" {
		sender = updated.Sender
	}
	if recipient == "" {
		recipient = updated.Recipient
	}

	data := encodeEditNotice(updated)
	to := c.registry.Lookup(recipient)
	if to != nil {
		c.send(to, data)
	}
	if from := c.registry.Lookup(sender); from != nil && from != to {
		c.send(from, data)
	}
}

// Disconnect releases the session's identity binding, if it still holds one.
func (c *Coordinator) Disconnect(s *Session) {
	if name, ok := c.registry.Unregister(s); ok {
		c.logger.Info("unregistered", "session", s.ID(), "username", name)
	}
}

func (c *Coordinator) send(s *Session, data []byte) error {
	err := c.conns.Send(s, data)
	if err != nil && !errors.Is(err, ErrSendBufferFull) {
		c.logger.Debug("send skipped", "session", s.ID(), "error", err)
	}
	return err
}
