package channel

import "sync"

// AccessLog counts filesystem operations per requesting process. External
// tooling reads it to attribute load to clients.
type AccessLog struct {
	mu     sync.Mutex
	counts map[uint32]uint64
}

// NewAccessLog returns an empty log.
func NewAccessLog() *AccessLog {
	return &AccessLog{counts: make(map[uint32]uint64)}
}

// Record counts one operation from pid.
func (l *AccessLog) Record(pid uint32) {
	l.mu.Lock()
	l.counts[pid]++
	l.mu.Unlock()
}

// Counts returns a copy of the per-pid operation counts.
func (l *AccessLog) Counts() map[uint32]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[uint32]uint64, len(l.counts))
	for pid, n := range l.counts {
		out[pid] = n
	}
	return out
}
