package realtime

import "sync"

// PresenceTracker maps users to their live sessions. A user is online while
// at least one session is registered.
type PresenceTracker struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Session
}

// NewPresenceTracker creates an empty tracker
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{sessions: make(map[string]map[string]Session)}
}

// Register adds s and reports whether its user just came online
func (p *PresenceTracker) Register(s Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	byID, ok := p.sessions[s.UserID()]
	if !ok {
		byID = make(map[string]Session)
		p.sessions[s.UserID()] = byID
	}
	byID[s.ID()] = s
	return !ok
}

// Unregister removes s and reports whether its user just went offline.
// Unknown sessions are ignored.
func (p *PresenceTracker) Unregister(s Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	byID, ok := p.sessions[s.UserID()]
	if !ok {
		return false
	}
	if _, ok := byID[s.ID()]; !ok {
		return false
	}
	delete(byID, s.ID())
	if len(byID) == 0 {
		delete(p.sessions, s.UserID())
		return true
	}
	return false
}

// Sessions returns a snapshot of the user's live sessions
func (p *PresenceTracker) Sessions(userID string) []Session {
	p.mu.RLock()
	defer p.mu.RUnlock()

	byID := p.sessions[userID]
	out := make([]Session, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	return out
}

// IsOnline reports whether the user has any live session
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.sessions[userID]) > 0
}

// Counts returns the number of live sessions and online users
func (p *PresenceTracker) Counts() (sessions, users int) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, byID := range p.sessions {
		sessions += len(byID)
	}
	return sessions, len(p.sessions)
}

// Closed returns registered sessions whose connection has already ended
func (p *PresenceTracker) Closed() []Session {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Session
	for _, byID := range p.sessions {
		for _, s := range byID {
			select {
			case <-s.Done():
				out = append(out, s)
			default:
			}
		}
	}
	return out
}
