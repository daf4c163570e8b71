package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdaid/crowdaid/internal/domain"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSession struct {
	id, user string
	mu       sync.Mutex
	frames   [][]byte
	done     chan struct{}
	once     sync.Once
}

func newFakeSession(id, user string) *fakeSession {
	return &fakeSession{id: id, user: user, done: make(chan struct{})}
}

func (f *fakeSession) ID() string            { return f.id }
func (f *fakeSession) UserID() string        { return f.user }
func (f *fakeSession) Done() <-chan struct{} { return f.done }
func (f *fakeSession) Close()                { f.once.Do(func() { close(f.done) }) }

func (f *fakeSession) Send(data []byte) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return true
}

func (f *fakeSession) received(t *testing.T) []Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, 0, len(f.frames))
	for _, b := range f.frames {
		var fr Frame
		require.NoError(t, json.Unmarshal(b, &fr))
		out = append(out, fr)
	}
	return out
}

var _ domain.Notifier = (*Router)(nil)

func TestPresenceFirstAndLastSession(t *testing.T) {
	p := NewPresenceTracker()
	a1 := newFakeSession("a1", "alice")
	a2 := newFakeSession("a2", "alice")

	assert.True(t, p.Register(a1))
	assert.False(t, p.Register(a2))
	assert.True(t, p.IsOnline("alice"))

	sessions, users := p.Counts()
	assert.Equal(t, 2, sessions)
	assert.Equal(t, 1, users)

	assert.False(t, p.Unregister(a1))
	assert.False(t, p.Unregister(a1), "double unregister is ignored")
	assert.True(t, p.Unregister(a2))
	assert.False(t, p.IsOnline("alice"))
}

func TestDeliverToUserReachesEverySession(t *testing.T) {
	r := NewRouter(nil, quiet)
	a1 := newFakeSession("a1", "alice")
	a2 := newFakeSession("a2", "alice")
	r.RegisterSession(a1)
	r.RegisterSession(a2)

	assert.True(t, r.DeliverToUser("alice", UserQueue("alice"), map[string]string{"content": "hi"}))
	assert.False(t, r.DeliverToUser("bob", UserQueue("bob"), "nobody home"))

	for _, s := range []*fakeSession{a1, a2} {
		frames := s.received(t)
		require.Len(t, frames, 1)
		assert.Equal(t, CommandMessage, frames[0].Command)
		assert.Equal(t, "queue.messages.alice", frames[0].Destination)
		assert.JSONEq(t, `{"content":"hi"}`, string(frames[0].Body))
	}
}

func TestDeliverPreservesOrder(t *testing.T) {
	r := NewRouter(nil, quiet)
	s := newFakeSession("s", "alice")
	r.RegisterSession(s)

	for i := 0; i < 50; i++ {
		r.DeliverToUser("alice", UserQueue("alice"), i)
	}

	frames := s.received(t)
	require.Len(t, frames, 50)
	for i, f := range frames {
		assert.Equal(t, fmt.Sprint(i), string(f.Body))
	}
}

func TestBroadcastOnlyToSubscribers(t *testing.T) {
	r := NewRouter(nil, quiet)
	a := newFakeSession("a", "alice")
	b := newFakeSession("b", "bob")
	r.RegisterSession(a)
	r.RegisterSession(b)
	r.Subscribe(a, ChatTopic("r1"))
	r.Subscribe(a, ChatTopic("r1"))

	assert.Equal(t, 1, r.BroadcastToTopic(ChatTopic("r1"), "hello"))
	assert.Equal(t, 0, r.BroadcastToTopic(ChatTopic("r2"), "nobody"))
	assert.Len(t, a.received(t), 1)
	assert.Empty(t, b.received(t))

	r.Unsubscribe(a, ChatTopic("r1"))
	assert.Equal(t, 0, r.Subscribers(ChatTopic("r1")))
}

func TestUnregisterLastSessionBroadcastsDisconnect(t *testing.T) {
	r := NewRouter(nil, quiet)
	a1 := newFakeSession("a1", "alice")
	a2 := newFakeSession("a2", "alice")
	watcher := newFakeSession("w", "bob")
	r.RegisterSession(a1)
	r.RegisterSession(a2)
	r.RegisterSession(watcher)
	r.Subscribe(watcher, DisconnectTopic("alice"))
	r.Subscribe(a1, ChatTopic("r1"))

	r.UnregisterSession(a1)
	assert.Empty(t, watcher.received(t))
	assert.Equal(t, 0, r.Subscribers(ChatTopic("r1")))

	r.UnregisterSession(a2)
	frames := watcher.received(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "topic.user.alice.disconnect", frames[0].Destination)
	assert.JSONEq(t, `{"userId":"alice","status":"OFFLINE"}`, string(frames[0].Body))
}

func TestReapClosed(t *testing.T) {
	r := NewRouter(nil, quiet)
	live := newFakeSession("live", "alice")
	dead := newFakeSession("dead", "bob")
	r.RegisterSession(live)
	r.RegisterSession(dead)
	dead.Close()

	assert.Equal(t, 1, r.ReapClosed())
	assert.True(t, r.IsOnline("alice"))
	assert.False(t, r.IsOnline("bob"))
}

func TestParseTopic(t *testing.T) {
	cases := []struct {
		in   string
		kind TopicKind
		id   string
	}{
		{"topic.chat.r1", TopicChat, "r1"},
		{"topic.chat.r1.typing", TopicTyping, "r1"},
		{"topic.request.r1.status", TopicStatus, "r1"},
		{"topic.user.a.b@example.com.disconnect", TopicDisconnect, "a.b@example.com"},
	}
	for _, tc := range cases {
		kind, id, err := ParseTopic(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.kind, kind, tc.in)
		assert.Equal(t, tc.id, id, tc.in)
	}

	for _, bad := range []string{"queue.messages.alice", "topic.chat.", "topic.request..status", "random"} {
		_, _, err := ParseTopic(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseSend(t *testing.T) {
	cases := []struct {
		in   string
		kind SendKind
		id   string
	}{
		{"chat.r1.send", SendChat, "r1"},
		{"chat.r1.typing", SendTyping, "r1"},
		{"chat.r1.read", SendRead, "r1"},
		{"user.online", SendOnline, ""},
		{"request.r1.status", SendStatus, "r1"},
	}
	for _, tc := range cases {
		kind, id, err := ParseSend(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.kind, kind, tc.in)
		assert.Equal(t, tc.id, id, tc.in)
	}

	for _, bad := range []string{"chat.r1.shout", "chat.send", "request..status", "queue.online"} {
		_, _, err := ParseSend(bad)
		assert.Error(t, err, bad)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"destination":"x"}`))
	assert.Error(t, err)

	f, err := Decode([]byte(`{"command":"SEND","destination":"chat.r1.send","headers":{"receipt":"7"},"body":{"content":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, "7", f.Header("receipt"))
}

type fakeConn struct {
	mu      sync.Mutex
	writes  [][]byte
	block   chan struct{}
	failing bool
	closed  bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("broken pipe")
	}
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) snapshot() ([][]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...), c.closed
}

func TestWSSessionWritesInOrder(t *testing.T) {
	conn := &fakeConn{}
	s := NewWSSession(conn, "alice", 16, 0, quiet)
	defer s.Close()

	for i := 0; i < 10; i++ {
		require.True(t, s.Send([]byte(fmt.Sprint(i))))
	}

	require.Eventually(t, func() bool {
		writes, _ := conn.snapshot()
		return len(writes) == 10
	}, time.Second, 5*time.Millisecond)

	writes, _ := conn.snapshot()
	for i, w := range writes {
		assert.Equal(t, fmt.Sprint(i), string(w))
	}
}

func TestWSSessionClosesSlowConsumer(t *testing.T) {
	conn := &fakeConn{block: make(chan struct{})}
	s := NewWSSession(conn, "alice", 2, 0, quiet)

	// The writer holds one frame while blocked; two more fill the queue.
	sent := 0
	for i := 0; i < 10 && s.Send([]byte("x")); i++ {
		sent++
	}
	close(conn.block)

	assert.LessOrEqual(t, sent, 3)
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("slow consumer should have been closed")
	}
	assert.False(t, s.Send([]byte("late")))
	_, closed := conn.snapshot()
	assert.True(t, closed)
}

func TestWSSessionClosesOnWriteError(t *testing.T) {
	conn := &fakeConn{failing: true}
	s := NewWSSession(conn, "alice", 4, 0, quiet)

	require.True(t, s.Send([]byte("x")))
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("session should close after a failed write")
	}
}
