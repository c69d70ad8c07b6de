package mount

import (
	"context"
	"fmt"
	"os"

	"github.com/radryc/snapfs/internal/channel"
)

// beginMount claims the single mount attempt. An unmount that arrived
// first cancels the mount; a second attempt is a logic error.
func (m *Mount) beginMount() error {
	m.channelMu.Lock()
	defer m.channelMu.Unlock()
	if m.mountPromise != nil {
		panic(fmt.Sprintf("mount %s: channel start attempted twice", m.cfg.MountPath))
	}
	if m.unmountStarted {
		return ErrMountCancelled
	}
	m.mountPromise = newPromise[struct{}]()
	return nil
}

// StartChannel attaches the kernel transport and moves the mount to
// running. The transport's stop channel is watched for the session end.
func (m *Mount) StartChannel(ctx context.Context, t channel.Transport) error {
	m.transitionState(StateInitialized, StateStarting)

	fail := func(err error) error {
		m.transitionToTransportErrorState()
		return fmt.Errorf("start %s channel at %s: %w", t.Kind(), m.cfg.MountPath, err)
	}

	if err := m.beginMount(); err != nil {
		return fail(err)
	}
	if err := os.MkdirAll(m.cfg.MountPath, 0755); err != nil {
		m.mountPromise.fulfill(struct{}{}, err)
		return fail(err)
	}

	stop, err := t.Initialize(ctx)
	if err != nil {
		m.mountPromise.fulfill(struct{}{}, err)
		return fail(err)
	}

	m.channelMu.Lock()
	m.transport = t
	cancelled := m.unmountStarted
	m.channelMu.Unlock()
	if cancelled {
		// An unmount raced the handshake; tear the fresh session down
		// instead of running it.
		if uerr := t.Unmount(ctx); uerr != nil {
			m.logger.Error("unmount of cancelled channel failed", "error", uerr)
		}
		m.mountPromise.fulfill(struct{}{}, ErrMountCancelled)
		return fail(ErrMountCancelled)
	}

	m.generation = nextMountGeneration()
	if !m.tryTransitionState(StateStarting, StateRunning) {
		// A shutdown raced the handshake and took the state first.
		if uerr := t.Unmount(ctx); uerr != nil {
			m.logger.Error("unmount of cancelled channel failed", "error", uerr)
		}
		m.mountPromise.fulfill(struct{}{}, ErrMountCancelled)
		return fmt.Errorf("start %s channel at %s: %w", t.Kind(), m.cfg.MountPath, ErrMountCancelled)
	}
	m.mountPromise.fulfill(struct{}{}, nil)
	m.logger.Info("channel running", "kind", t.Kind().String(), "generation", m.generation)

	go m.watchChannel(stop)
	return nil
}

// watchChannel consumes the transport's stop payload: the kernel session is
// over, so every kernel inode reference is gone. The teardown result is
// recorded even when no Unmount call is waiting for it.
func (m *Mount) watchChannel(stop <-chan channel.StopData) {
	sd, ok := <-stop
	if !ok {
		sd = channel.StopData{Reason: channel.StopKernel}
	}
	m.logger.Info("channel stopped", "kind", sd.Kind.String(), "reason", int(sd.Reason))

	m.inodes.SetUnmounted()
	if sd.Reason == channel.StopKernel {
		m.transitionToTransportErrorState()
	}

	m.channelMu.Lock()
	if m.unmountPromise == nil {
		m.unmountPromise = newPromise[struct{}]()
	}
	p := m.unmountPromise
	m.unmountStarted = true
	m.channelMu.Unlock()
	p.fulfill(struct{}{}, nil)

	m.completion.fulfill(HandoffData{
		MountPath:  m.cfg.MountPath,
		ClientDir:  m.cfg.ClientDir,
		BindMounts: m.currentBindMounts(),
		Stop:       sd,
	}, nil)
}

// Unmount detaches the kernel session. It is idempotent: concurrent and
// repeated calls all observe the same result, and unmounting before the
// channel started cancels the start.
func (m *Mount) Unmount(ctx context.Context) error {
	m.channelMu.Lock()
	if m.unmountPromise != nil {
		p := m.unmountPromise
		m.channelMu.Unlock()
		_, err := p.wait(ctx)
		return err
	}
	m.unmountPromise = newPromise[struct{}]()
	p := m.unmountPromise
	m.unmountStarted = true
	t := m.transport
	mp := m.mountPromise
	m.channelMu.Unlock()

	if t == nil {
		if mp == nil {
			// Channel never started; the pending start, if any, sees
			// unmountStarted and cancels itself.
			p.fulfill(struct{}{}, nil)
			return nil
		}
		if _, err := mp.wait(ctx); err != nil {
			// The start failed or was cancelled; nothing is mounted.
			p.fulfill(struct{}{}, nil)
			return nil
		}
		m.channelMu.Lock()
		t = m.transport
		m.channelMu.Unlock()
		if t == nil {
			p.fulfill(struct{}{}, nil)
			return nil
		}
	}

	if err := t.Unmount(ctx); err != nil {
		err = fmt.Errorf("unmount %s: %w", m.cfg.MountPath, err)
		p.fulfill(struct{}{}, err)
		return err
	}
	p.fulfill(struct{}{}, nil)
	return nil
}

// WaitForChannelCompletion blocks until the kernel session ends and returns
// the hand-off payload.
func (m *Mount) WaitForChannelCompletion(ctx context.Context) (HandoffData, error) {
	return m.completion.wait(ctx)
}
