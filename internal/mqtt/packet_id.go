package mqtt

import "sync"

// PacketIDManager hands out packet identifiers 1..65535, never returning an
// identifier that is still in use.
type PacketIDManager struct {
	mu        sync.Mutex
	currentID uint16
	used      map[uint16]struct{}
}

func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		currentID: 1,
		used:      make(map[uint16]struct{}),
	}
}

// NextID returns the next free identifier, or false when all 65535 are in use.
func (m *PacketIDManager) NextID() (uint16, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.used) >= 65535 {
		return 0, false
	}
	for {
		id := m.currentID
		m.currentID++
		if m.currentID == 0 {
			m.currentID = 1
		}
		if _, ok := m.used[id]; !ok {
			m.used[id] = struct{}{}
			return id, true
		}
	}
}

// Claim marks an identifier as used, e.g. when restoring stored state.
func (m *PacketIDManager) Claim(id uint16) {
	if id == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used[id] = struct{}{}
}

// ReleaseID frees an identifier once its flow completed.
func (m *PacketIDManager) ReleaseID(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.used, id)
}

func (m *PacketIDManager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.used)
}
