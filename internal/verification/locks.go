package verification

import "sync"

// memberLocks serializes state changes for one guild member. An entry lives
// only while some goroutine holds or waits on it.
type memberLocks struct {
	mu    sync.Mutex
	locks map[string]*memberLock
}

type memberLock struct {
	sync.Mutex
	refs int
}

func (m *memberLocks) lock(guildID, userID string) (unlock func()) {
	key := guildID + ":" + userID

	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*memberLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &memberLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		m.mu.Lock()
		defer m.mu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
	}
}

func (m *memberLocks) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
