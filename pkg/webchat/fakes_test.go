package webchat

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

type publishedMsg struct {
	Topic   string
	Payload any
}

type fakeTransport struct {
	ready chan struct{}

	mu         sync.Mutex
	nextID     int
	handlers   map[string]map[int]Handler
	published  []publishedMsg
	publishErr error
	subErr     map[string]error
	onRequest  func(topic string, payload any) (json.RawMessage, error)
	requests   atomic.Int32
}

func newFakeTransport() *fakeTransport {
	t := &fakeTransport{
		ready:    make(chan struct{}),
		handlers: map[string]map[int]Handler{},
		subErr:   map[string]error{},
	}
	close(t.ready)
	return t
}

func (t *fakeTransport) Ready() <-chan struct{} { return t.ready }

type fakeSubscription struct {
	t     *fakeTransport
	topic string
	id    int
}

func (s *fakeSubscription) Topic() string { return s.topic }

func (s *fakeSubscription) Unsubscribe() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	delete(s.t.handlers[s.topic], s.id)
	return nil
}

func (t *fakeTransport) Subscribe(topic string, h Handler) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.subErr[topic]; err != nil {
		return nil, err
	}
	t.nextID++
	if t.handlers[topic] == nil {
		t.handlers[topic] = map[int]Handler{}
	}
	t.handlers[topic][t.nextID] = h
	return &fakeSubscription{t: t, topic: topic, id: t.nextID}, nil
}

func (t *fakeTransport) Publish(_ context.Context, topic string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.publishErr != nil {
		return t.publishErr
	}
	t.published = append(t.published, publishedMsg{Topic: topic, Payload: payload})
	return nil
}

func (t *fakeTransport) Request(_ context.Context, topic string, payload any) (json.RawMessage, error) {
	t.requests.Add(1)
	t.mu.Lock()
	fn := t.onRequest
	t.mu.Unlock()
	if fn == nil {
		return nil, errors.New("no responder")
	}
	return fn(topic, payload)
}

// Deliver hands payload to every handler subscribed to topic.
func (t *fakeTransport) Deliver(topic, payload string) {
	t.mu.Lock()
	hs := make([]Handler, 0, len(t.handlers[topic]))
	for _, h := range t.handlers[topic] {
		hs = append(hs, h)
	}
	t.mu.Unlock()
	for _, h := range hs {
		h(context.Background(), Envelope{Topic: topic, Payload: json.RawMessage(payload)})
	}
}

func (t *fakeTransport) Subscribers(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handlers[topic])
}

func (t *fakeTransport) Published(topic string) []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []any
	for _, p := range t.published {
		if p.Topic == topic {
			out = append(out, p.Payload)
		}
	}
	return out
}

func (t *fakeTransport) SetPublishErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishErr = err
}

type recordingSink struct {
	mu        sync.Mutex
	messages  []ChatMessage
	partakers map[string][]Partaker
	updates   []Partaker
	rooms     []RoomDescriptor
	roomLists [][]RoomDescriptor
	created   []RoomDescriptor
	errs      []error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{partakers: map[string][]Partaker{}}
}

func (s *recordingSink) AppendMessage(msg ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *recordingSink) ReplacePartakers(roomID string, partakers []Partaker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partakers[roomID] = append([]Partaker(nil), partakers...)
}

func (s *recordingSink) UpdatePartaker(roomID string, p Partaker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, p)
	for i, cur := range s.partakers[roomID] {
		if cur.UserID == p.UserID {
			s.partakers[roomID][i] = p
		}
	}
}

func (s *recordingSink) ReplaceRooms(rooms []RoomDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = rooms
	s.roomLists = append(s.roomLists, rooms)
}

func (s *recordingSink) RoomCreated(room RoomDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, room)
}

func (s *recordingSink) ReportError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *recordingSink) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.DisplayText)
	}
	return out
}

func (s *recordingSink) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatMessage(nil), s.messages...)
}

func (s *recordingSink) Partakers(roomID string) []Partaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Partaker(nil), s.partakers[roomID]...)
}

func (s *recordingSink) Rooms() []RoomDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RoomDescriptor(nil), s.rooms...)
}

// RoomLists returns every room list the sink received, in order.
func (s *recordingSink) RoomLists() [][]RoomDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]RoomDescriptor(nil), s.roomLists...)
}

func (s *recordingSink) Created() []RoomDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RoomDescriptor(nil), s.created...)
}

func (s *recordingSink) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// fakeDirectory answers lookups from a map. When gate is set, each lookup waits on it.
type fakeDirectory struct {
	mu     sync.Mutex
	emails map[string]string
	errs   []error
	gate   chan struct{}
	calls  map[string]int
}

func newFakeDirectory(emails map[string]string) *fakeDirectory {
	return &fakeDirectory{emails: emails, calls: map[string]int{}}
}

func (d *fakeDirectory) FindUserByUUID(ctx context.Context, userID string) (string, error) {
	d.mu.Lock()
	d.calls[userID]++
	gate := d.gate
	var err error
	if len(d.errs) > 0 {
		err, d.errs = d.errs[0], d.errs[1:]
	}
	email := d.emails[userID]
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if email == "" {
		return "", errors.Errorf("unknown user %s", userID)
	}
	return email, nil
}

func (d *fakeDirectory) Calls(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[userID]
}

// fakeHistory returns entries (or err) once gate is closed.
type fakeHistory struct {
	entries []string
	err     error
	gate    chan struct{}
	calls   atomic.Int32
	source  atomic.Value
}

func (h *fakeHistory) FetchHistory(ctx context.Context, source string) ([]string, error) {
	h.calls.Add(1)
	h.source.Store(source)
	if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return h.entries, h.err
}

type fakeRooms struct {
	room RoomDescriptor
	err  error
	last string
}

func (r *fakeRooms) CreateRoom(_ context.Context, name string) (RoomDescriptor, error) {
	r.last = name
	return r.room, r.err
}

type fakeInput struct {
	ch     chan string
	clears atomic.Int32
}

func newFakeInput() *fakeInput {
	return &fakeInput{ch: make(chan string, 8)}
}

func (i *fakeInput) Submissions() <-chan string { return i.ch }

func (i *fakeInput) Clear() { i.clears.Add(1) }
