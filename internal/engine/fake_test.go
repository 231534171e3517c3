package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawrelay/internal/agent"
	"github.com/basket/clawrelay/internal/chat"
	"github.com/basket/clawrelay/internal/persistence"
)

// fakeStream replays events, then ends with err (io.EOF when nil). With
// hang set it blocks until the caller's ctx is done instead of ending.
type fakeStream struct {
	mu     sync.Mutex
	events []agent.Event
	err    error
	hang   bool
	closed bool
}

func (s *fakeStream) Next(ctx context.Context) (agent.Event, error) {
	s.mu.Lock()
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		s.mu.Unlock()
		return ev, nil
	}
	s.mu.Unlock()
	if s.hang {
		<-ctx.Done()
		return agent.Event{}, ctx.Err()
	}
	if s.err != nil {
		return agent.Event{}, s.err
	}
	return agent.Event{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func answer(sessionID, text string) *fakeStream {
	return &fakeStream{events: []agent.Event{
		{Kind: agent.EventSession, SessionID: sessionID},
		{Kind: agent.EventContent, Text: text},
		{Kind: agent.EventCompletion, Completion: &agent.Completion{SessionID: sessionID, Turns: 1, CostUSD: 0.01}},
	}}
}

func staleStream() *fakeStream {
	return &fakeStream{err: fmt.Errorf("%w: No conversation found with session ID: x", agent.ErrSessionNotFound)}
}

// fakeQuerier hands out one scripted stream per call, in order.
type fakeQuerier struct {
	mu      sync.Mutex
	streams []agent.Stream
	calls   []agent.QueryRequest
	onQuery func(agent.QueryRequest)
}

func (q *fakeQuerier) Query(_ context.Context, req agent.QueryRequest) (agent.Stream, error) {
	q.mu.Lock()
	q.calls = append(q.calls, req)
	hook := q.onQuery
	if len(q.streams) == 0 {
		q.mu.Unlock()
		return nil, errors.New("no scripted stream")
	}
	s := q.streams[0]
	q.streams = q.streams[1:]
	q.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return s, nil
}

func (q *fakeQuerier) Calls() []agent.QueryRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]agent.QueryRequest(nil), q.calls...)
}

type postRecord struct {
	Channel, Thread, Text string
}

type editRecord struct {
	ID, Text string
}

// fakePlatform records posts and edits and resolves display names from a map.
// With hangEdits set every edit blocks until its ctx is done, like a chat API
// that stops answering.
type fakePlatform struct {
	mu        sync.Mutex
	posts     []postRecord
	edits     []editRecord
	names     map[string]string
	failPosts bool
	failEdits bool
	hangEdits bool
}

func (p *fakePlatform) Name() string { return "fake" }

func (p *fakePlatform) PostMessage(_ context.Context, channel, thread, text string) (chat.MessageRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPosts {
		return chat.MessageRef{}, errors.New("channel_not_found")
	}
	p.posts = append(p.posts, postRecord{channel, thread, text})
	return chat.MessageRef{Channel: channel, Thread: thread, ID: fmt.Sprintf("m%d", len(p.posts))}, nil
}

func (p *fakePlatform) UpdateMessage(ctx context.Context, ref chat.MessageRef, text string) error {
	p.mu.Lock()
	if p.hangEdits {
		p.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	defer p.mu.Unlock()
	if p.failEdits {
		return errors.New("cant_update_message")
	}
	p.edits = append(p.edits, editRecord{ref.ID, text})
	return nil
}

func (p *fakePlatform) DisplayName(_ context.Context, userID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name, ok := p.names[userID]; ok {
		return name, nil
	}
	return "", errors.New("user_not_found")
}

func (p *fakePlatform) Posts() []postRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]postRecord(nil), p.posts...)
}

func (p *fakePlatform) Edits() []editRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]editRecord(nil), p.edits...)
}

func (p *fakePlatform) LastEdit() string {
	edits := p.Edits()
	if len(edits) == 0 {
		return ""
	}
	return edits[len(edits)-1].Text
}

// countTexts reports how many posts and edits carried text.
func (p *fakePlatform) countTexts(text string) int {
	n := 0
	for _, e := range p.Edits() {
		if e.Text == text {
			n++
		}
	}
	for _, post := range p.Posts() {
		if post.Text == text {
			n++
		}
	}
	return n
}

// memStore is an in-memory Store that records the calls it receives.
type memStore struct {
	mu      sync.Mutex
	ids     map[string]string
	ops     []string
	failGet bool
}

func newMemStore() *memStore {
	return &memStore{ids: map[string]string{}}
}

func (s *memStore) GetOrCreate(_ context.Context, key string, _ persistence.Metadata) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "get")
	if s.failGet {
		return "", false, errors.New("disk I/O error")
	}
	id, ok := s.ids[key]
	if !ok {
		s.ids[key] = ""
	}
	return id, id != "", nil
}

func (s *memStore) UpdateSessionID(_ context.Context, key, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "update:"+id)
	if _, ok := s.ids[key]; ok {
		s.ids[key] = id
	}
	return nil
}

func (s *memStore) TouchActivity(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "touch")
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "delete")
	delete(s.ids, key)
	return nil
}

func (s *memStore) Lookup(_ context.Context, key string) (*persistence.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[key]
	if !ok {
		return nil, nil
	}
	return &persistence.SessionRecord{SessionKey: key, AgentSessionID: id}, nil
}

func (s *memStore) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *memStore) ID(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[key]
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

var dmInbound = chat.Inbound{
	Platform: "slack",
	Kind:     chat.KindMessage,
	Team:     "T1",
	Channel:  "D1",
	User:     "U1",
	TS:       "100.1",
	Text:     "hello",
	Direct:   true,
}

const dmKey = "T1-U1-dm"
