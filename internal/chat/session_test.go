package chat

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mercado/storefront-chat/internal/connection"
	"github.com/mercado/storefront-chat/internal/events"
	"github.com/mercado/storefront-chat/internal/outbound"
	"github.com/mercado/storefront-chat/internal/transport"
	"github.com/mercado/storefront-chat/internal/transport/transporttest"
)

var creds = transport.Credentials{Token: "opaque-token", UserID: "u-1"}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Connection.Reconnect = connection.ReconnectConfig{
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    40 * time.Millisecond,
		MaxAttempts: 5,
	}
	cfg.Connection.DialTimeout = time.Second
	cfg.TypingIdle = 30 * time.Millisecond
	return cfg
}

func newTestSession(t *testing.T, cfg Config) (*Session, *transporttest.Dialer) {
	t.Helper()
	d := transporttest.NewDialer()
	s := NewSession(cfg, d, nil)
	t.Cleanup(s.Close)
	return s, d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// describe renders written frames as short strings such as
// "send_message:c1:hi" or "typing:c1:true".
func describe(frames [][]byte) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		r := gjson.ParseBytes(f)
		typ := r.Get("type").String()
		s := typ + ":" + r.Get("conversacion_id").String()
		switch typ {
		case "send_message":
			s += ":" + r.Get("contenido").String()
		case "typing":
			s += ":" + fmt.Sprint(r.Get("is_typing").Bool())
		}
		out = append(out, s)
	}
	return out
}

func expectFrames(t *testing.T, got func() [][]byte, want ...string) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%d frames", len(want)), func() bool { return len(got()) >= len(want) })
	if frames := describe(got()); !slices.Equal(frames, want) {
		t.Fatalf("expected frames %v, got %v", want, frames)
	}
}

type typingLog struct {
	mu  sync.Mutex
	evs []events.UserTyping
}

func (l *typingLog) add(ev events.UserTyping) {
	l.mu.Lock()
	l.evs = append(l.evs, ev)
	l.mu.Unlock()
}

func (l *typingLog) local() []events.UserTyping {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.UserTyping
	for _, ev := range l.evs {
		if ev.Local {
			out = append(out, ev)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Test: ordering and auto-join
// ---------------------------------------------------------------------------

func TestSendMessage_QueuedWhileDisconnectedSentInOrder(t *testing.T) {
	s, d := newTestSession(t, testConfig())

	for _, text := range []string{"hi", "there"} {
		if _, err := s.SendMessage("1", text, TypeText, ""); err != nil {
			t.Fatalf("SendMessage(%q): %v", text, err)
		}
	}
	if n := len(s.Pending()); n != 3 {
		t.Fatalf("expected 3 pending operations (join + 2 messages), got %d", n)
	}

	if err := s.Connect(creds); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	expectFrames(t, d.Sent, "join_conversation:1", "send_message:1:hi", "send_message:1:there")
	waitFor(t, "empty queue", func() bool { return len(s.Pending()) == 0 })
}

func TestSendMessage_ReturnsClientMessageID(t *testing.T) {
	s, d := newTestSession(t, testConfig())
	if err := s.Connect(creds); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	id, err := s.SendMessage("1", "hola", "", "")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id == "" {
		t.Fatal("expected a client message id")
	}

	waitFor(t, "message sent", func() bool { return len(d.Sent()) == 2 })
	sent := gjson.ParseBytes(d.Sent()[1])
	if got := sent.Get("client_msg_id").String(); got != id {
		t.Fatalf("expected client_msg_id %q, got %q", id, got)
	}
	if got := sent.Get("tipo_mensaje").String(); got != TypeText {
		t.Fatalf("expected default type %q, got %q", TypeText, got)
	}
}

func TestJoinConversation_Idempotent(t *testing.T) {
	s, _ := newTestSession(t, testConfig())

	for i := 0; i < 3; i++ {
		if err := s.JoinConversation("c1"); err != nil {
			t.Fatalf("JoinConversation: %v", err)
		}
	}
	if n := len(s.Pending()); n != 1 {
		t.Fatalf("expected 1 pending join, got %d", n)
	}
	if got := s.Joined(); !slices.Equal(got, []string{"c1"}) {
		t.Fatalf("expected joined [c1], got %v", got)
	}
}

func TestLeaveConversation(t *testing.T) {
	s, _ := newTestSession(t, testConfig())

	if err := s.LeaveConversation("never-joined"); err != nil {
		t.Fatalf("LeaveConversation: %v", err)
	}
	if n := len(s.Pending()); n != 0 {
		t.Fatalf("expected leaving an unjoined conversation to enqueue nothing, got %d", n)
	}

	_ = s.JoinConversation("c1")
	_ = s.LeaveConversation("c1")
	if len(s.Joined()) != 0 {
		t.Fatalf("expected no joined conversations, got %v", s.Joined())
	}

	// Membership is gone, so the next op joins again first.
	_ = s.MarkRead("c1")

	var kinds []outbound.Kind
	for _, op := range s.Pending() {
		kinds = append(kinds, op.Kind())
	}
	want := []outbound.Kind{
		outbound.KindJoinConversation,
		outbound.KindLeaveConversation,
		outbound.KindJoinConversation,
		outbound.KindMarkRead,
	}
	if !slices.Equal(kinds, want) {
		t.Fatalf("expected kinds %v, got %v", want, kinds)
	}
}

func TestLeaveConversation_QueuedOpsStillJoinedOnReconnect(t *testing.T) {
	s, d := newTestSession(t, testConfig())
	_ = s.JoinConversation("c1")

	if err := s.Connect(creds); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := d.WaitConn(time.Second)
	if first == nil {
		t.Fatal("expected a connection")
	}
	expectFrames(t, first.Written, "join_conversation:c1")

	s.Disconnect()
	_ = s.MarkRead("c1")
	_ = s.LeaveConversation("c1")

	if err := s.Connect(creds); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	second := d.WaitConn(time.Second)
	if second == nil {
		t.Fatal("expected a second connection")
	}
	expectFrames(t, second.Written, "join_conversation:c1", "mark_read:c1", "leave_conversation:c1")
}

func TestClearQueue(t *testing.T) {
	s, d := newTestSession(t, testConfig())

	_, _ = s.SendMessage("c1", "stale", TypeText, "")
	_ = s.MarkRead("c1")
	n, err := s.ClearQueue()
	if err != nil {
		t.Fatalf("ClearQueue: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 dropped operations, got %d", n)
	}
	if len(s.Joined()) != 0 {
		t.Fatalf("expected the dropped join to forget c1, got %v", s.Joined())
	}

	_, _ = s.SendMessage("c1", "fresh", TypeText, "")
	if err := s.Connect(creds); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	expectFrames(t, d.Sent, "join_conversation:c1", "send_message:c1:fresh")

	s.Close()
	if _, err := s.ClearQueue(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestRejoin_AfterReconnect(t *testing.T) {
	s, d := newTestSession(t, testConfig())
	_ = s.JoinConversation("c2")
	_ = s.JoinConversation("c1")

	if err := s.Connect(creds); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := d.WaitConn(time.Second)
	if first == nil {
		t.Fatal("expected a connection")
	}
	expectFrames(t, first.Written, "join_conversation:c2", "join_conversation:c1")

	first.Break()
	second := d.WaitConn(time.Second)
	if second == nil {
		t.Fatal("expected a reconnection")
	}
	expectFrames(t, second.Written, "join_conversation:c1", "join_conversation:c2")
}

func TestRejoin_PrecedesOpFailedOnPreviousConnection(t *testing.T) {
	s, d := newTestSession(t, testConfig())
	_ = s.JoinConversation("c1")

	if err := s.Connect(creds); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := d.WaitConn(time.Second)
	if first == nil {
		t.Fatal("expected a connection")
	}
	expectFrames(t, first.Written, "join_conversation:c1")

	release := first.StallWrites()
	defer release(nil)
	if _, err := s.SendMessage("c1", "hi", TypeText, ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !first.WaitStalled(time.Second) {
		t.Fatal("expected the send to block on the first connection")
	}

	first.Break()
	second := d.WaitConn(time.Second)
	if second == nil {
		t.Fatal("expected a reconnection")
	}
	// Give the new connection time to open while the old write is still stuck.
	time.Sleep(50 * time.Millisecond)
	if n := len(second.Written()); n != 0 {
		t.Fatalf("expected nothing written before the old write settles, got %d frames", n)
	}
	release(transporttest.ErrBroken)

	expectFrames(t, second.Written, "join_conversation:c1", "send_message:c1:hi")
}

// ---------------------------------------------------------------------------
// Test: event delivery
// ---------------------------------------------------------------------------

func TestSubscribers_PanicIsSwallowed(t *testing.T) {
	s, d := newTestSession(t, testConfig())

	got := make(chan string, 2)
	s.On(events.NameNewMessage, func(ev events.Event) { got <- "first:" + ev.(events.NewMessage).Content })
	s.On(events.NameNewMessage, func(events.Event) { panic("subscriber bug") })
	s.On(events.NameNewMessage, func(ev events.Event) { got <- "third:" + ev.(events.NewMessage).Content })

	if err := s.Connect(creds); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := d.WaitConn(time.Second)
	if conn == nil {
		t.Fatal("expected a connection")
	}
	conn.Push([]byte(`{"type":"new_message","mensaje_id":"m1","conversacion_id":"1","contenido":"hola"}`))

	for _, want := range []string{"first:hola", "third:hola"} {
		select {
		case v := <-got:
			if v != want {
				t.Fatalf("expected %q, got %q", want, v)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestSubscribers_ConnectionEvents(t *testing.T) {
	s, d := newTestSession(t, testConfig())

	connected := make(chan events.UserConnected, 1)
	events.Subscribe(s.Bus(), func(ev events.UserConnected) { connected <- ev })

	if err := s.Connect(creds); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if d.WaitConn(time.Second) == nil {
		t.Fatal("expected a connection")
	}
	select {
	case ev := <-connected:
		if ev.UserID != "u-1" || ev.Reconnect {
			t.Fatalf("unexpected user_connected %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for user_connected")
	}
	if st := s.State(); st != connection.Connected {
		t.Fatalf("expected connected, got %s", st)
	}
}

func TestReconnect_AttemptCounterResetsEachTime(t *testing.T) {
	s, d := newTestSession(t, testConfig())

	var (
		mu      sync.Mutex
		retries []events.Reconnecting
	)
	events.Subscribe(s.Bus(), func(ev events.Reconnecting) {
		mu.Lock()
		retries = append(retries, ev)
		mu.Unlock()
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(retries)
	}

	if err := s.Connect(creds); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := d.WaitConn(time.Second)
	for i := 1; i <= 2; i++ {
		if conn == nil {
			t.Fatalf("round %d: expected a connection", i)
		}
		conn.Break()
		conn = d.WaitConn(time.Second)
		waitFor(t, "reconnecting event", func() bool { return count() == i })
	}
	waitFor(t, "connected", func() bool { return s.State() == connection.Connected })

	mu.Lock()
	defer mu.Unlock()
	for i, ev := range retries {
		if ev.Attempt != 1 {
			t.Errorf("round %d: expected attempt 1, got %d", i+1, ev.Attempt)
		}
		if ev.Delay != 10*time.Millisecond {
			t.Errorf("round %d: expected base delay 10ms, got %s", i+1, ev.Delay)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: local typing
// ---------------------------------------------------------------------------

func TestSetTyping_IdleEmitsLocalStop(t *testing.T) {
	s, d := newTestSession(t, testConfig())
	log := &typingLog{}
	events.Subscribe(s.Bus(), log.add)

	if err := s.Connect(creds); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.SetTyping("1", true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}

	waitFor(t, "local stop", func() bool { return len(log.local()) == 1 })
	ev := log.local()[0]
	if ev.IsTyping || ev.ConversationID != "1" || ev.UserID != "u-1" {
		t.Fatalf("unexpected local typing event %+v", ev)
	}
	expectFrames(t, d.Sent, "join_conversation:1", "typing:1:true", "typing:1:false")
}

func TestSetTyping_RepeatedTrueSendsOnce(t *testing.T) {
	cfg := testConfig()
	cfg.TypingIdle = time.Hour
	s, d := newTestSession(t, cfg)

	if err := s.Connect(creds); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for i := 0; i < 3; i++ {
		_ = s.SetTyping("1", true)
	}
	_ = s.SetTyping("1", false)

	expectFrames(t, d.Sent, "join_conversation:1", "typing:1:true", "typing:1:false")
}

func TestSendMessage_StopsTyping(t *testing.T) {
	cfg := testConfig()
	cfg.TypingIdle = time.Hour
	s, d := newTestSession(t, cfg)

	if err := s.Connect(creds); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = s.SetTyping("1", true)
	if _, err := s.SendMessage("1", "listo", TypeText, ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	expectFrames(t, d.Sent, "join_conversation:1", "typing:1:true", "send_message:1:listo", "typing:1:false")
}

func TestDisconnect_CancelsTypingTimers(t *testing.T) {
	s, d := newTestSession(t, testConfig())
	log := &typingLog{}
	events.Subscribe(s.Bus(), log.add)

	if err := s.Connect(creds); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if d.WaitConn(time.Second) == nil {
		t.Fatal("expected a connection")
	}
	_ = s.SetTyping("1", true)
	s.Disconnect()

	time.Sleep(100 * time.Millisecond)
	if n := len(log.local()); n != 0 {
		t.Fatalf("expected no local stop after disconnect, got %d", n)
	}
	for _, op := range s.Pending() {
		if p, ok := op.Payload.(outbound.Typing); ok && !p.IsTyping {
			t.Fatal("expected no stop-typing operation after disconnect")
		}
	}
}

// ---------------------------------------------------------------------------
// Test: errors
// ---------------------------------------------------------------------------

func TestOperations_ValidationRejectsWithoutEnqueue(t *testing.T) {
	s, _ := newTestSession(t, testConfig())

	_, err := s.SendMessage("1", "   ", TypeText, "")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if verr.Field != "content" {
		t.Fatalf("expected field content, got %q", verr.Field)
	}
	if err := s.MarkRead(" "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if err := s.SetTyping("", true); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if n := len(s.Pending()); n != 0 {
		t.Fatalf("expected nothing enqueued, got %d", n)
	}
}

func TestConnect_RejectsBadCredentials(t *testing.T) {
	s, d := newTestSession(t, testConfig())

	err := s.Connect(transport.Credentials{Token: "tok"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if st := s.State(); st != connection.Disconnected {
		t.Fatalf("expected disconnected, got %s", st)
	}
	if n := d.Dials(); n != 0 {
		t.Fatalf("expected no dial, got %d", n)
	}
}

func TestClose_RejectsLaterCalls(t *testing.T) {
	s, _ := newTestSession(t, testConfig())
	if err := s.Connect(creds); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s.Close()
	s.Close()

	if st := s.State(); st != connection.Closed {
		t.Fatalf("expected closed, got %s", st)
	}
	if _, err := s.SendMessage("1", "hi", TypeText, ""); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed from SendMessage, got %v", err)
	}
	if err := s.JoinConversation("1"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed from JoinConversation, got %v", err)
	}
	if err := s.Connect(creds); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed from Connect, got %v", err)
	}
}
