package session

import (
	"sync"

	"github.com/Longshot123/collabREate/internal/perms"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const eventBufferSize = 64

// EventType names the push notifications a session can receive.
type EventType string

const (
	// EventUpdate delivers a newly posted update.
	EventUpdate EventType = "update"
	// EventForkFollow offers a peer the chance to follow a fork.
	EventForkFollow EventType = "fork-follow"
	// EventPermissions notifies a peer that its effective masks changed.
	EventPermissions EventType = "permissions"
)

// Event is one push notification. Fields are populated per Type.
type Event struct {
	Type          EventType
	UpdateID      uint64
	ProjectID     uint64
	Author        string
	Command       string
	Payload       datatypes.JSON
	GlobalID      string
	Description   string
	CutoffID      uint64
	PublishMask   perms.Mask
	SubscribeMask perms.Mask
	Message       string
}

// Session is the transient per-connection state: the authenticated
// identity with its account-wide mask ceiling, the client-requested
// masks, and the current project with the effective masks computed at
// join time. All mutable fields are guarded so registry sweeps never
// observe a torn record.
type Session struct {
	ID            string
	UserID        uint64
	Username      string
	UserPublish   perms.Mask
	UserSubscribe perms.Mask

	mu                 sync.Mutex
	requestedPublish   perms.Mask
	requestedSubscribe perms.Mask
	joined             bool
	projectID          uint64
	contentHash        string
	globalID           string
	effectivePublish   perms.Mask
	effectiveSubscribe perms.Mask
	events             chan Event
	closed             bool
}

// New constructs a session for an authenticated user.
func New(userID uint64, username string, userPub, userSub, requestedPub, requestedSub perms.Mask) *Session {
	return &Session{
		ID:                 uuid.NewString(),
		UserID:             userID,
		Username:           username,
		UserPublish:        userPub,
		UserSubscribe:      userSub,
		requestedPublish:   requestedPub,
		requestedSubscribe: requestedSub,
		events:             make(chan Event, eventBufferSize),
	}
}

// Requested returns the client-asserted publish/subscribe masks.
func (s *Session) Requested() (perms.Mask, perms.Mask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestedPublish, s.requestedSubscribe
}

// SetRequested records new client-asserted masks. Effective masks are
// recomputed at the next join or permission sweep.
func (s *Session) SetRequested(pub, sub perms.Mask) {
	s.mu.Lock()
	s.requestedPublish = pub
	s.requestedSubscribe = sub
	s.mu.Unlock()
}

// Join binds the session to a project and records the effective masks
// computed for it.
func (s *Session) Join(projectID uint64, contentHash, globalID string, pub, sub perms.Mask) {
	s.mu.Lock()
	s.joined = true
	s.projectID = projectID
	s.contentHash = contentHash
	s.globalID = globalID
	s.effectivePublish = pub
	s.effectiveSubscribe = sub
	s.mu.Unlock()
}

// LeaveProject clears the current project binding.
func (s *Session) LeaveProject() {
	s.mu.Lock()
	s.joined = false
	s.projectID = 0
	s.contentHash = ""
	s.globalID = ""
	s.effectivePublish = perms.None
	s.effectiveSubscribe = perms.None
	s.mu.Unlock()
}

// Project returns the current project id and whether one is joined.
func (s *Session) Project() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectID, s.joined
}

// ContentHash returns the joined project's content hash.
func (s *Session) ContentHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentHash
}

// GlobalID returns the joined project's global id.
func (s *Session) GlobalID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalID
}

// Effective returns the session's effective publish/subscribe masks.
func (s *Session) Effective() (perms.Mask, perms.Mask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectivePublish, s.effectiveSubscribe
}

// SetEffective overwrites the effective masks, used by permission
// recalculation sweeps.
func (s *Session) SetEffective(pub, sub perms.Mask) {
	s.mu.Lock()
	s.effectivePublish = pub
	s.effectiveSubscribe = sub
	s.mu.Unlock()
}

// Deliver enqueues an event for the client without blocking; a client
// that cannot drain its buffer loses the event rather than stalling the
// broadcast sweep.
func (s *Session) Deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
	}
}

// Events exposes the delivery stream for the transport layer.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Close tears the delivery stream down. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
