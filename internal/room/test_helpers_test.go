package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/document"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/persistence"
)

const testWait = 2 * time.Second

var errSocketClosed = errors.New("socket closed")

// fakeSocket is an in-memory Socket. Tests write client frames to inbound and
// read server frames from outbound.
type fakeSocket struct {
	inbound   chan []byte
	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	gate      chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound:  make(chan []byte, 64),
		outbound: make(chan []byte, 1024),
		closed:   make(chan struct{}),
	}
}

// newGatedSocket blocks every write until the gate channel is closed.
func newGatedSocket(gate chan struct{}) *fakeSocket {
	socket := newFakeSocket()
	socket.gate = gate
	return socket
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case payload := <-s.inbound:
		return payload, nil
	case <-s.closed:
		return nil, errSocketClosed
	}
}

func (s *fakeSocket) WriteMessage(payload []byte) error {
	if s.gate != nil {
		<-s.gate
	}
	select {
	case <-s.closed:
		return errSocketClosed
	default:
	}
	select {
	case s.outbound <- payload:
		return nil
	case <-s.closed:
		return errSocketClosed
	}
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// client drives one connection through Registry.Connect.
type client struct {
	t        *testing.T
	socket   *fakeSocket
	finished chan error
}

func connectClient(t *testing.T, registry *Registry, roomID, sessionID, userID string, hello ClientMessage) *client {
	t.Helper()
	c := startClient(t, registry, roomID, sessionID, userID)
	c.send(hello)
	return c
}

func startClient(t *testing.T, registry *Registry, roomID, sessionID, userID string) *client {
	t.Helper()
	c := &client{t: t, socket: newFakeSocket(), finished: make(chan error, 1)}
	request := ConnectRequest{
		RoomID:    mustRoomID(t, roomID),
		SessionID: mustSessionID(t, sessionID),
		UserID:    userID,
		Socket:    c.socket,
	}
	go func() {
		c.finished <- registry.Connect(context.Background(), request)
	}()
	return c
}

func (c *client) send(message ClientMessage) {
	c.t.Helper()
	payload, err := json.Marshal(message)
	if err != nil {
		c.t.Fatalf("encode client message: %v", err)
	}
	c.sendRaw(payload)
}

func (c *client) sendRaw(payload []byte) {
	c.t.Helper()
	select {
	case c.socket.inbound <- payload:
	case <-time.After(testWait):
		c.t.Fatalf("client inbound queue full")
	}
}

func (c *client) next() ServerMessage {
	c.t.Helper()
	select {
	case payload := <-c.socket.outbound:
		var message ServerMessage
		if err := json.Unmarshal(payload, &message); err != nil {
			c.t.Fatalf("decode server message %s: %v", payload, err)
		}
		return message
	case <-time.After(testWait):
		c.t.Fatalf("timed out waiting for a server message")
	}
	return ServerMessage{}
}

func (c *client) expect(messageType MessageType) ServerMessage {
	c.t.Helper()
	message := c.next()
	if message.Type != messageType {
		c.t.Fatalf("expected %s, got %s (%+v)", messageType, message.Type, message)
	}
	return message
}

// expectQuiet proves no diff is queued by round-tripping a ping.
func (c *client) expectQuiet() {
	c.t.Helper()
	c.send(ClientMessage{Type: MessagePing})
	c.expect(MessagePong)
}

func (c *client) hangUp() {
	c.socket.Close()
}

func (c *client) waitFinished() error {
	c.t.Helper()
	select {
	case err := <-c.finished:
		return err
	case <-time.After(testWait):
		c.t.Fatalf("connection did not finish")
	}
	return nil
}

func (c *client) push(clock int64, diff document.Diff) {
	c.t.Helper()
	c.send(ClientMessage{Type: MessagePush, ClientClock: clock, Diff: &diff})
}

func helloMessage() ClientMessage {
	return ClientMessage{Type: MessageConnect}
}

func reconnectMessage(epoch uint64, instanceID string) ClientMessage {
	return ClientMessage{Type: MessageConnect, LastEpoch: &epoch, InstanceID: instanceID}
}

func mustRoomID(t *testing.T, raw string) RoomID {
	t.Helper()
	id, err := NewRoomID(raw)
	if err != nil {
		t.Fatalf("unexpected room id error: %v", err)
	}
	return id
}

func mustSessionID(t *testing.T, raw string) SessionID {
	t.Helper()
	id, err := NewSessionID(raw)
	if err != nil {
		t.Fatalf("unexpected session id error: %v", err)
	}
	return id
}

func mustRegistry(t *testing.T, cfg RegistryConfig) *Registry {
	t.Helper()
	if cfg.Backend == nil {
		cfg.Backend = persistence.NewMemoryBackend()
	}
	registry, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected registry error: %v", err)
	}
	return registry
}

func shape(t *testing.T, id string, props map[string]any) document.Record {
	t.Helper()
	recordID, err := document.NewRecordID(id)
	if err != nil {
		t.Fatalf("unexpected record id error: %v", err)
	}
	record, err := document.NewRecord(recordID, recordID.TypeName(), props)
	if err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}
	return record
}

func added(records ...document.Record) document.Diff {
	diff := document.NewDiff()
	for _, record := range records {
		diff.Added[record.ID()] = record
	}
	return diff
}

func updated(before, after document.Record) document.Diff {
	diff := document.NewDiff()
	diff.Updated[after.ID()] = document.Update{Before: before, After: after}
	return diff
}

func removed(records ...document.Record) document.Diff {
	diff := document.NewDiff()
	for _, record := range records {
		diff.Removed[record.ID()] = record
	}
	return diff
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

// gatedBackend blocks loads until released and counts them.
type gatedBackend struct {
	*persistence.MemoryBackend
	gate  chan struct{}
	loads atomic.Int32
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{MemoryBackend: persistence.NewMemoryBackend(), gate: make(chan struct{})}
}

func (b *gatedBackend) Load(ctx context.Context, roomID string) (document.Snapshot, bool, error) {
	b.loads.Add(1)
	select {
	case <-b.gate:
	case <-ctx.Done():
		return document.Snapshot{}, false, ctx.Err()
	}
	return b.MemoryBackend.Load(ctx, roomID)
}

// failingBackend fails every call with err.
type failingBackend struct {
	err   error
	calls atomic.Int32
}

func (b *failingBackend) Load(context.Context, string) (document.Snapshot, bool, error) {
	b.calls.Add(1)
	return document.Snapshot{}, false, b.err
}

func (b *failingBackend) Save(context.Context, string, document.Snapshot) error {
	b.calls.Add(1)
	return b.err
}

// saveFailingBackend loads normally but refuses to save.
type saveFailingBackend struct {
	*persistence.MemoryBackend
}

func (saveFailingBackend) Save(context.Context, string, document.Snapshot) error {
	return errors.New("disk full")
}
