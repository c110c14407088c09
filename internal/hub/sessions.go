package hub

import "sync"

// sessionMap binds device ids to live sessions. Replace is atomic so a new
// registration never races the eviction of the session it displaces.
type sessionMap struct {
	mu       sync.Mutex
	byDevice map[string]*Session
}

func newSessionMap() *sessionMap {
	return &sessionMap{byDevice: make(map[string]*Session)}
}

// Replace binds deviceID to s and returns the session it displaced, if any.
func (m *sessionMap) Replace(deviceID string, s *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.byDevice[deviceID]
	m.byDevice[deviceID] = s
	s.deviceID = deviceID
	if old != nil && old != s {
		return old
	}
	return nil
}

// Get returns the session bound to deviceID, or nil.
func (m *sessionMap) Get(deviceID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byDevice[deviceID]
}

// Remove unbinds s if it still holds its binding and returns the device id
// it was bound to. A session evicted by Replace returns "".
func (m *sessionMap) Remove(s *Session) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.deviceID == "" {
		return ""
	}
	if m.byDevice[s.deviceID] != s {
		return ""
	}
	deviceID := s.deviceID
	delete(m.byDevice, deviceID)
	return deviceID
}

// Snapshot copies the current bindings for iteration outside the lock.
func (m *sessionMap) Snapshot() map[string]*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]*Session, len(m.byDevice))
	for id, s := range m.byDevice {
		snapshot[id] = s
	}
	return snapshot
}
