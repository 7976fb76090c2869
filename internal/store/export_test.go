package store

// LockEntries reports how many entity locks Memory is tracking.
func (m *Memory) LockEntries() int {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	return len(m.locks)
}
