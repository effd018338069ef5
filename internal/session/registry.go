package session

import (
	"sync"
)

// Registry tracks which sessions are joined to which project and hands
// out read-isolated membership snapshots for broadcasting. Iterating a
// snapshot never holds the registry lock, so a broadcast can never
// deadlock against a concurrent join or leave.
type Registry struct {
	mu      sync.RWMutex
	groups  map[uint64]map[string]*Session
	project map[string]uint64
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		groups:  make(map[uint64]map[string]*Session),
		project: make(map[string]uint64),
	}
}

// Add registers the session as a member of the project's group,
// removing it from any previous group first.
func (r *Registry) Add(projectID uint64, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(s)
	group, ok := r.groups[projectID]
	if !ok {
		group = make(map[string]*Session)
		r.groups[projectID] = group
	}
	group[s.ID] = s
	r.project[s.ID] = projectID
}

// Remove detaches the session from whatever group it belongs to.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	r.removeLocked(s)
	r.mu.Unlock()
}

func (r *Registry) removeLocked(s *Session) {
	projectID, ok := r.project[s.ID]
	if !ok {
		return
	}
	delete(r.project, s.ID)
	group := r.groups[projectID]
	if group != nil {
		delete(group, s.ID)
		if len(group) == 0 {
			delete(r.groups, projectID)
		}
	}
}

// SizeOf reports the number of sessions currently joined to a project.
func (r *Registry) SizeOf(projectID uint64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[projectID])
}

// Members returns a snapshot of the project's membership at call time.
// Sessions joining or leaving after the snapshot is taken may or may
// not be reflected, which is the at-least-once-as-of-start contract
// broadcasts rely on.
func (r *Registry) Members(projectID uint64) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	group := r.groups[projectID]
	members := make([]*Session, 0, len(group))
	for _, member := range group {
		members = append(members, member)
	}
	return members
}

// Broadcast delivers the event to every current member of the project
// except the originator.
func (r *Registry) Broadcast(projectID uint64, originator *Session, event Event) {
	for _, member := range r.Members(projectID) {
		if originator != nil && member.ID == originator.ID {
			continue
		}
		member.Deliver(event)
	}
}
