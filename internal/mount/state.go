package mount

import "fmt"

// State is the lifecycle phase of a mount. Transitions are strictly ordered;
// an unexpected transition is a logic error and panics.
type State int32

const (
	// StateUninitialized is the state before Initialize runs.
	StateUninitialized State = iota
	// StateInitializing covers loading the overlay and the root inode.
	StateInitializing
	// StateInitialized means the working copy is ready but no kernel
	// session is attached.
	StateInitialized
	// StateStarting covers the kernel transport handshake.
	StateStarting
	// StateRunning means the kernel session is serving requests.
	StateRunning
	// StateInitError records a failed Initialize; only Shutdown and Destroy
	// are valid from here.
	StateInitError
	// StateFuseError records a failed transport start.
	StateFuseError
	// StateShuttingDown covers Shutdown.
	StateShuttingDown
	// StateShutDown means the mount released its overlay and inode table.
	StateShutDown
	// StateDestroying means Destroy has begun freeing the mount.
	StateDestroying
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateInitError:
		return "init_error"
	case StateFuseError:
		return "fuse_error"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutDown:
		return "shut_down"
	case StateDestroying:
		return "destroying"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// State returns the current lifecycle phase.
func (m *Mount) State() State {
	return State(m.state.Load())
}

// transitionState moves from expected to next, panicking when the mount is
// not in expected. Callers use it where any other state means the caller's
// own sequencing is broken.
func (m *Mount) transitionState(expected, next State) {
	if !m.state.CompareAndSwap(int32(expected), int32(next)) {
		panic(fmt.Sprintf("mount %s: invalid transition to %s: expected %s, found %s",
			m.cfg.MountPath, next, expected, m.State()))
	}
}

// tryTransitionState moves from expected to next, reporting whether the swap
// happened.
func (m *Mount) tryTransitionState(expected, next State) bool {
	return m.state.CompareAndSwap(int32(expected), int32(next))
}

// transitionToTransportErrorState records a transport failure. Only the
// starting and running phases move to the error state; later phases mean a
// shutdown is already underway and win the race.
func (m *Mount) transitionToTransportErrorState() {
	for {
		current := m.State()
		switch current {
		case StateStarting, StateRunning:
			if m.tryTransitionState(current, StateFuseError) {
				return
			}
		default:
			return
		}
	}
}
