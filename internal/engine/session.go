package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orekyuu/mcp-ide-gateway/mcp"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Capability is a client feature negotiated at initialize.
type Capability uint8

const (
	CapRoots Capability = 1 << iota
	CapSampling
	CapElicitation
	CapStreaming
)

func capabilitiesOf(c mcp.ClientCapabilities) Capability {
	var caps Capability
	if c.Roots != nil {
		caps |= CapRoots
	}
	if c.Sampling != nil {
		caps |= CapSampling
	}
	if c.Elicitation != nil {
		caps |= CapElicitation
	}
	if _, ok := c.Experimental[mcp.StreamingCapability]; ok {
		caps |= CapStreaming
	}
	return caps
}

// SessionState is the lifecycle position of a session.
type SessionState int

const (
	SessionOpening SessionState = iota
	SessionOpen
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionOpening:
		return "opening"
	case SessionOpen:
		return "open"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one client connection. It owns the client's in-flight requests
// and its outbound pipeline.
type Session struct {
	id              string
	clientKey       string
	protocolVersion string
	caps            Capability
	clientInfo      mcp.ImplementationInfo

	conn Conn
	pipe *pipeline

	// ctx parents every task dispatched for the session.
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	state    SessionState
	pending  *orderedmap.OrderedMap[string, *PendingRequest]
	lastSeen time.Time
	closed   chan struct{}
}

func (s *Session) ID() string                         { return s.id }
func (s *Session) ClientKey() string                  { return s.clientKey }
func (s *Session) ProtocolVersion() string            { return s.protocolVersion }
func (s *Session) ClientInfo() mcp.ImplementationInfo { return s.clientInfo }

// Has reports whether the client negotiated c.
func (s *Session) Has(c Capability) bool { return s.caps&c != 0 }

// Done is closed once the session is fully closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the in-flight requests in arrival order.
func (s *Session) Pending() []*PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PendingRequest, 0, s.pending.Len())
	for pair := s.pending.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Lookup returns the in-flight request for a correlation id.
func (s *Session) Lookup(corrID string) (*PendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Get(corrID)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// idleSince reports the time of the last inbound message, and whether the
// session is idle at all (open with nothing in flight).
func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen, s.state < SessionClosing && s.pending.Len() == 0
}

func (s *Session) markOpen() {
	s.mu.Lock()
	if s.state == SessionOpening {
		s.state = SessionOpen
	}
	s.mu.Unlock()
}

func (s *Session) insert(p *PendingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= SessionClosing {
		return ErrSessionClosed
	}
	if _, ok := s.pending.Get(p.CorrelationID); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.CorrelationID)
	}
	s.pending.Set(p.CorrelationID, p)
	return nil
}

func (s *Session) remove(p *PendingRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.pending.Get(p.CorrelationID); ok && cur == p {
		s.pending.Delete(p.CorrelationID)
	}
}

// close cancels every pending request with cause, drops undelivered frames
// and closes the conn. It reports false if the session was already closing.
func (s *Session) close(cause error) bool {
	s.mu.Lock()
	if s.state >= SessionClosing {
		s.mu.Unlock()
		return false
	}
	s.state = SessionClosing
	pending := make([]*PendingRequest, 0, s.pending.Len())
	for pair := s.pending.Oldest(); pair != nil; pair = pair.Next() {
		pending = append(pending, pair.Value)
	}
	s.mu.Unlock()

	for _, p := range pending {
		p.finish(RequestCancelled, p.errorFrame(cause), cause)
		p.cancelHandle(cause)
	}
	s.pipe.close()
	s.cancel(cause)
	_ = s.conn.Close()

	s.mu.Lock()
	s.state = SessionClosed
	s.mu.Unlock()
	close(s.closed)
	return true
}
