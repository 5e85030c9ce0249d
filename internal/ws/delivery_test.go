package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/christopherjohns/dmrelay/internal/message"
	"github.com/christopherjohns/dmrelay/internal/user"
)

var errStoreDown = errors.New("store down")

// failingStore fails every operation.
type failingStore struct{}

func (failingStore) Insert(context.Context, *message.Message) error { return errStoreDown }
func (failingStore) Get(context.Context, string) (*message.Message, error) {
	return nil, errStoreDown
}
func (failingStore) Update(context.Context, string, string) (*message.Message, error) {
	return nil, errStoreDown
}
func (failingStore) Conversation(context.Context, string, int) ([]*message.Message, error) {
	return nil, errStoreDown
}

// failingDirectory fails every lookup.
type failingDirectory struct{}

func (failingDirectory) Find(context.Context, string) (*user.User, error) { return nil, errStoreDown }
func (failingDirectory) Create(context.Context, *user.User) error         { return errStoreDown }

type deliveryFixture struct {
	registry *Registry
	conns    *ConnManager
	messages *message.MemoryStore
	users    *user.MemoryDirectory
	coord    *Coordinator
}

func newDeliveryFixture(t *testing.T) *deliveryFixture {
	t.Helper()
	f := &deliveryFixture{
		registry: NewRegistry(),
		conns:    NewConnManager(),
		messages: message.NewMemoryStore(),
		users:    user.NewMemoryDirectory(),
	}
	f.coord = NewCoordinator(f.registry, f.conns, f.messages, f.users, nil)
	return f
}

// register binds a fresh session to name and discards the confirmation.
func (f *deliveryFixture) register(t *testing.T, name string) *Session {
	t.Helper()
	s := newSession(nil, name)
	f.coord.Register(context.Background(), s, RegisterFrame{Username: name})
	if got := frameType(t, recv(t, s)); got != TypeRegistered {
		t.Fatalf("expected registered confirmation, got %q", got)
	}
	return s
}

// recv returns the next queued frame for s. Delivery is synchronous, so the
// frame must already be queued.
func recv(t *testing.T, s *Session) []byte {
	t.Helper()
	select {
	case data, ok := <-s.send:
		if !ok {
			t.Fatal("session queue closed")
		}
		return data
	default:
		t.Fatal("expected a queued frame")
		return nil
	}
}

func expectNothing(t *testing.T, s *Session) {
	t.Helper()
	select {
	case data := <-s.send:
		t.Fatalf("expected no frame, got %s", data)
	default:
	}
}

func frameType(t *testing.T, data []byte) string {
	t.Helper()
	var v struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return v.Type
}

func decodeNotice(t *testing.T, data []byte) noticeFrame {
	t.Helper()
	var n noticeFrame
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("unmarshal notice: %v", err)
	}
	return n
}

func decodeMessage(t *testing.T, data []byte) message.Message {
	t.Helper()
	var m message.Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	return m
}

func TestRegisterCreatesUserOnce(t *testing.T) {
	f := newDeliveryFixture(t)

	s := f.register(t, "alice")
	if f.users.Count() != 1 {
		t.Fatalf("expected 1 user, got %d", f.users.Count())
	}
	if f.registry.Lookup("alice") != s {
		t.Fatal("expected alice bound to her session")
	}

	again := f.register(t, "alice")
	if f.users.Count() != 1 {
		t.Fatalf("expected no duplicate user, got %d", f.users.Count())
	}
	if f.registry.Lookup("alice") != again {
		t.Fatal("expected the most recent registration to win")
	}
	if s.Alive() {
		t.Error("expected superseded session to be closed")
	}
	if f.conns.Stats().Evicted != 1 {
		t.Errorf("expected 1 eviction, got %d", f.conns.Stats().Evicted)
	}
}

func TestRegisterConcurrentSameName(t *testing.T) {
	f := newDeliveryFixture(t)

	const n = 20
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := range sessions {
		sessions[i] = newSession(nil, "test")
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			f.coord.Register(context.Background(), s, RegisterFrame{Username: "alice"})
		}(sessions[i])
	}
	wg.Wait()

	if f.users.Count() != 1 {
		t.Fatalf("expected exactly 1 user, got %d", f.users.Count())
	}
	if f.registry.Count() != 1 {
		t.Fatalf("expected exactly 1 binding, got %d", f.registry.Count())
	}
	alive := 0
	for _, s := range sessions {
		if s.Alive() {
			alive++
		}
	}
	if alive != 1 {
		t.Errorf("expected only the bound session to stay alive, got %d", alive)
	}
}

func TestRegisterDirectoryFailure(t *testing.T) {
	f := newDeliveryFixture(t)
	coord := NewCoordinator(f.registry, f.conns, f.messages, failingDirectory{}, nil)

	s := newSession(nil, "test")
	coord.Register(context.Background(), s, RegisterFrame{Username: "alice"})

	n := decodeNotice(t, recv(t, s))
	if n.Type != TypeError || n.Message != "Error registering user" {
		t.Fatalf("unexpected frame: %+v", n)
	}
	if f.registry.Lookup("alice") != nil {
		t.Error("failed registration must not bind")
	}
	if !s.Alive() {
		t.Error("handler failure must not close the session")
	}
}

func TestChatToOnlineRecipient(t *testing.T) {
	f := newDeliveryFixture(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	f.coord.Chat(context.Background(), alice, ChatFrame{Sender: "alice", Recipient: "bob", Body: "hi"})

	got := decodeMessage(t, recv(t, bob))
	if got.ID == "" || got.Sender != "alice" || got.Recipient != "bob" || got.Body != "hi" || got.Edited {
		t.Fatalf("unexpected delivered record: %+v", got)
	}
	echo := decodeMessage(t, recv(t, alice))
	if echo.ID != got.ID {
		t.Errorf("expected echo with id %q, got %q", got.ID, echo.ID)
	}
	expectNothing(t, alice)
	expectNothing(t, bob)

	if f.messages.Count() != 1 {
		t.Fatalf("expected 1 persisted message, got %d", f.messages.Count())
	}
}

func TestChatToOfflineRecipient(t *testing.T) {
	f := newDeliveryFixture(t)
	alice := f.register(t, "alice")

	f.coord.Chat(context.Background(), alice, ChatFrame{Sender: "alice", Recipient: "bob", Body: "hi"})

	n := decodeNotice(t, recv(t, alice))
	if n.Type != TypeInfo || n.Message != "Recipient bob is offline" {
		t.Fatalf("unexpected frame: %+v", n)
	}
	echo := decodeMessage(t, recv(t, alice))
	if echo.Body != "hi" {
		t.Errorf("expected echoed record, got %+v", echo)
	}

	history, err := f.messages.Conversation(context.Background(), "bob", 0)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(history) != 1 || history[0].ID != echo.ID || history[0].Edited {
		t.Fatalf("expected the message to be retrievable, got %+v", history)
	}
}

func TestChatRecipientClosedAfterLookup(t *testing.T) {
	f := newDeliveryFixture(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	// bob's connection dies but his binding is not yet released.
	bob.close()

	f.coord.Chat(context.Background(), alice, ChatFrame{Sender: "alice", Recipient: "bob", Body: "hi"})

	if n := decodeNotice(t, recv(t, alice)); n.Type != TypeInfo {
		t.Fatalf("expected offline notice, got %+v", n)
	}
	if f.messages.Count() != 1 {
		t.Fatalf("expected message persisted, got %d", f.messages.Count())
	}
}

func TestChatFromUnregisteredSession(t *testing.T) {
	f := newDeliveryFixture(t)
	bob := f.register(t, "bob")
	anon := newSession(nil, "anon")

	f.coord.Chat(context.Background(), anon, ChatFrame{Sender: "alice", Recipient: "bob", Body: "hi"})

	if m := decodeMessage(t, recv(t, bob)); m.Sender != "alice" {
		t.Fatalf("unexpected record: %+v", m)
	}
	// No one is registered as alice, so there is no echo.
	expectNothing(t, anon)
}

func TestChatToSelf(t *testing.T) {
	f := newDeliveryFixture(t)
	alice := f.register(t, "alice")

	f.coord.Chat(context.Background(), alice, ChatFrame{Sender: "alice", Recipient: "alice", Body: "note"})

	if m := decodeMessage(t, recv(t, alice)); m.Body != "note" {
		t.Fatalf("unexpected record: %+v", m)
	}
	expectNothing(t, alice)
}

func TestChatPersistenceFailure(t *testing.T) {
	f := newDeliveryFixture(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	coord := NewCoordinator(f.registry, f.conns, failingStore{}, f.users, nil)

	coord.Chat(context.Background(), alice, ChatFrame{Sender: "alice", Recipient: "bob", Body: "hi"})

	n := decodeNotice(t, recv(t, alice))
	if n.Type != TypeError || n.Message != "Error processing message" {
		t.Fatalf("unexpected frame: %+v", n)
	}
	expectNothing(t, alice)
	expectNothing(t, bob)
}

func TestEditNotifiesBothParticipants(t *testing.T) {
	f := newDeliveryFixture(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	carol := f.register(t, "carol")

	f.coord.Chat(context.Background(), alice, ChatFrame{Sender: "alice", Recipient: "bob", Body: "hi"})
	id := decodeMessage(t, recv(t, bob)).ID
	recv(t, alice)

	f.coord.Edit(context.Background(), alice, EditFrame{MessageID: id, NewBody: "hi!", Sender: "alice", Recipient: "bob"})

	for _, s := range []*Session{alice, bob} {
		var notice struct {
			Type    string          `json:"type"`
			Message message.Message `json:"message"`
		}
		if err := json.Unmarshal(recv(t, s), &notice); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if notice.Type != TypeEdit || notice.Message.ID != id || notice.Message.Body != "hi!" || !notice.Message.Edited {
			t.Fatalf("unexpected edit notice: %+v", notice)
		}
	}
	expectNothing(t, carol)

	stored, err := f.messages.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Body != "hi!" || !stored.Edited {
		t.Errorf("expected stored record updated, got %+v", stored)
	}
}

func TestEditByAnySession(t *testing.T) {
	f := newDeliveryFixture(t)
	alice := f.register(t, "alice")
	carol := f.register(t, "carol")

	f.coord.Chat(context.Background(), alice, ChatFrame{Sender: "alice", Recipient: "bob", Body: "hi"})
	recv(t, alice) // offline notice
	id := decodeMessage(t, recv(t, alice)).ID

	// carol edits alice's message without naming the participants.
	f.coord.Edit(context.Background(), carol, EditFrame{MessageID: id, NewBody: "edited"})

	if got := frameType(t, recv(t, alice)); got != TypeEdit {
		t.Fatalf("expected edit notice for alice, got %q", got)
	}
	expectNothing(t, carol)
}

func TestEditUnknownMessage(t *testing.T) {
	f := newDeliveryFixture(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	f.coord.Edit(context.Background(), alice, EditFrame{MessageID: "missing", NewBody: "x", Sender: "alice", Recipient: "bob"})

	expectNothing(t, alice)
	expectNothing(t, bob)
	if f.messages.Count() != 0 {
		t.Errorf("expected no records, got %d", f.messages.Count())
	}
}

func TestEditPersistenceFailure(t *testing.T) {
	f := newDeliveryFixture(t)
	alice := f.register(t, "alice")
	coord := NewCoordinator(f.registry, f.conns, failingStore{}, f.users, nil)

	coord.Edit(context.Background(), alice, EditFrame{MessageID: "m1", NewBody: "x", Sender: "alice", Recipient: "bob"})

	n := decodeNotice(t, recv(t, alice))
	if n.Type != TypeError || n.Message != "Error editing message" {
		t.Fatalf("unexpected frame: %+v", n)
	}
}

func TestTypingRelay(t *testing.T) {
	f := newDeliveryFixture(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	f.coord.Typing(alice, TypingFrame{Type: TypeTyping, Sender: "alice", Recipient: "bob"})

	var got TypingFrame
	if err := json.Unmarshal(recv(t, bob), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != (TypingFrame{Type: TypeTyping, Sender: "alice", Recipient: "bob"}) {
		t.Errorf("unexpected relay: %+v", got)
	}

	// Offline recipients drop the signal silently.
	f.coord.Typing(alice, TypingFrame{Type: TypeStopTyping, Sender: "alice", Recipient: "dave"})
	expectNothing(t, alice)
}

func TestDisconnectReleasesBinding(t *testing.T) {
	f := newDeliveryFixture(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	f.coord.Disconnect(alice)

	if f.registry.Lookup("alice") != nil {
		t.Error("expected alice offline after disconnect")
	}
	if f.registry.Lookup("bob") != bob {
		t.Error("expected bob to remain online")
	}

	// Disconnecting twice is harmless.
	f.coord.Disconnect(alice)
}

func TestRouterDispatch(t *testing.T) {
	f := newDeliveryFixture(t)
	router := NewRouter(f.coord, nil)
	ctx := context.Background()

	alice := newSession(nil, "a")
	router.Dispatch(ctx, alice, []byte(`{"type":"register","username":"alice"}`))
	if f.registry.Lookup("alice") != alice {
		t.Fatal("expected register frame to bind alice")
	}
	recv(t, alice)

	// Garbage is dropped without a reply.
	router.Dispatch(ctx, alice, []byte(`{"nonsense":true}`))
	router.Dispatch(ctx, alice, []byte(`not json`))
	expectNothing(t, alice)

	router.Dispatch(ctx, alice, []byte(`{"sender":"alice","recipient":"alice","message":"hi"}`))
	m := decodeMessage(t, recv(t, alice))

	// An edit frame that also carries chat fields only edits.
	edit := `{"type":"edit","messageId":"` + m.ID + `","newMessage":"hey","sender":"alice","recipient":"alice","message":"hey"}`
	router.Dispatch(ctx, alice, []byte(edit))
	if got := frameType(t, recv(t, alice)); got != TypeEdit {
		t.Fatalf("expected edit notice, got %q", got)
	}
	expectNothing(t, alice)
	if f.messages.Count() != 1 {
		t.Fatalf("expected no extra message from the edit frame, got %d", f.messages.Count())
	}
}

func TestRouterPersistsChatWithStrayFields(t *testing.T) {
	f := newDeliveryFixture(t)
	router := NewRouter(f.coord, nil)
	ctx := context.Background()
	alice := f.register(t, "alice")

	frames := []string{
		`{"type":"edit","sender":"alice","recipient":"bob","message":"one"}`,
		`{"type":"register","sender":"alice","recipient":"bob","message":"two"}`,
		`{"sender":"alice","recipient":"bob","message":"three","messageId":42}`,
	}
	for _, frame := range frames {
		router.Dispatch(ctx, alice, []byte(frame))
		if n := decodeNotice(t, recv(t, alice)); n.Type != TypeInfo {
			t.Fatalf("%s: expected offline notice, got %+v", frame, n)
		}
		recv(t, alice) // echo
	}
	if f.messages.Count() != len(frames) {
		t.Fatalf("expected %d persisted messages, got %d", len(frames), f.messages.Count())
	}
}
