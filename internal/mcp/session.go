// ABOUTME: MCP client sessions with their subscriptions and SSE event queues
// ABOUTME: Events are dropped rather than blocking when a client falls behind

package mcp

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sessionQueueSize bounds undelivered SSE events per session.
const sessionQueueSize = 64

var (
	errSessionClosed = errors.New("session closed")
	errQueueFull     = errors.New("session event queue full")
)

// mcpSession tracks an active MCP client session.
type mcpSession struct {
	id              string
	protocolVersion string
	subject         string // verified token subject; requests from other subjects are refused
	createdAt       time.Time

	mu     sync.Mutex
	subs   map[string]string // subscription ID -> uri
	events chan []byte
	done   chan struct{}
	closed bool
}

// send queues an encoded event for the session's SSE stream.
func (s *mcpSession) send(event []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	select {
	case s.events <- event:
		return nil
	default:
		return errQueueFull
	}
}

func (s *mcpSession) addSub(id, uri string) {
	s.mu.Lock()
	s.subs[id] = uri
	s.mu.Unlock()
}

// removeSubs drops and returns subscription IDs matching id or uri.
func (s *mcpSession) removeSubs(id, uri string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for subID, subURI := range s.subs {
		if (id != "" && subID == id) || (uri != "" && subURI == uri) {
			removed = append(removed, subID)
			delete(s.subs, subID)
		}
	}
	sort.Strings(removed)
	return removed
}

// close marks the session closed and returns its subscription IDs.
func (s *mcpSession) close() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.subs = map[string]string{}
	return ids
}

// sessionStore manages active MCP sessions (in-memory).
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*mcpSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*mcpSession)}
}

func (s *sessionStore) create(protocolVersion, subject string) *mcpSession {
	sess := &mcpSession{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		subject:         subject,
		createdAt:       time.Now(),
		subs:            make(map[string]string),
		events:          make(chan []byte, sessionQueueSize),
		done:            make(chan struct{}),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*mcpSession, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) (*mcpSession, bool) {
	s.mu.Lock()
	sess, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return sess, existed
}

func (s *sessionStore) all() []*mcpSession {
	s.mu.RLock()
	out := make([]*mcpSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()
	return out
}

func (s *sessionStore) drain() []*mcpSession {
	s.mu.Lock()
	out := make([]*mcpSession, 0, len(s.sessions))
	for id, sess := range s.sessions {
		out = append(out, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	return out
}
