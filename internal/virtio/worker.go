package virtio

import (
	"context"
	"sync"
)

// pump drives one queue worker goroutine. process drains every chain
// the ring currently holds and returns; the pump calls it once per
// kick. A process error stops the worker for good, so callers report
// it through onError (normally Device.Fail).
//
// Control messages are only received between process calls, which is
// what gives pause its guarantee: when the pause ack arrives, the
// worker has finished the request it was on and will not fetch more.
type pump struct {
	process func() error
	onError func(error)

	kick chan struct{}
	ctl  chan pumpCtl

	stopOnce sync.Once
	stop     chan struct{}
	exited   chan struct{}
}

type pumpCtl struct {
	pause bool
	ack   chan struct{}
}

func newPump(process func() error, onError func(error)) *pump {
	return &pump{
		process: process,
		onError: onError,
		kick:    make(chan struct{}, 1),
		ctl:     make(chan pumpCtl),
		stop:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

func (p *pump) start() { go p.loop() }

func (p *pump) loop() {
	defer close(p.exited)
	paused := false
	for {
		if paused {
			select {
			case <-p.stop:
				return
			case ctl := <-p.ctl:
				paused = ctl.pause
				close(ctl.ack)
			}
			continue
		}
		select {
		case <-p.stop:
			return
		case ctl := <-p.ctl:
			paused = ctl.pause
			close(ctl.ack)
		case <-p.kick:
			if err := p.process(); err != nil {
				p.onError(err)
				return
			}
		}
	}
}

// notify requests a drain. Coalesces with a pending kick.
func (p *pump) notify() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// pause parks the worker once the current drain finishes. A worker
// that already exited (after a failure) counts as paused.
func (p *pump) pause(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case p.ctl <- pumpCtl{pause: true, ack: ack}:
	case <-p.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resume unparks the worker and schedules a rescan, covering kicks the
// transport dropped while the device was paused. The rescan kick goes
// in before the unpause ack: a kick buffered after the worker unparks
// would queue a second drain behind one already started.
func (p *pump) resume() {
	p.notify()
	ack := make(chan struct{})
	select {
	case p.ctl <- pumpCtl{pause: false, ack: ack}:
		<-ack
	case <-p.exited:
	}
}

// stopJoin stops the worker and waits for it to exit. Safe to call
// multiple times and from the failure path.
func (p *pump) stopJoin() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.exited
}

// pauseAll pauses pumps in order, undoing on failure so the device
// ends up fully paused or fully running.
func pauseAll(ctx context.Context, pumps ...*pump) error {
	for i, p := range pumps {
		if p == nil {
			continue
		}
		if err := p.pause(ctx); err != nil {
			for _, prev := range pumps[:i] {
				if prev != nil {
					prev.resume()
				}
			}
			return err
		}
	}
	return nil
}

func resumeAll(pumps ...*pump) {
	for _, p := range pumps {
		if p != nil {
			p.resume()
		}
	}
}

func stopJoinAll(pumps ...*pump) {
	for _, p := range pumps {
		if p != nil {
			p.stopJoin()
		}
	}
}
