package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/randomizedcoder/go-procrun/internal/selector"
	"github.com/randomizedcoder/go-procrun/internal/sys"
)

// wakeCancel is written when the run context ends. Signal numbers are
// written as themselves.
const wakeCancel = 0

// forwardedSignals are relayed to live children with ForwardSignals set.
var forwardedSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

// wakeup is a self-pipe that turns asynchronous events into readiness on
// a descriptor the selector polls. The notifier goroutine only writes to
// the pipe; the loop owns everything it learns from it.
type wakeup struct {
	r, w int

	sigs chan os.Signal
	stop chan struct{}
	wg   sync.WaitGroup

	// Filled by Ready, consumed by the loop.
	signals   []syscall.Signal
	cancelled bool
	count     int
}

func newWakeup() (*wakeup, error) {
	r, w, err := sys.Pipe()
	if err != nil {
		return nil, err
	}
	for _, fd := range []int{r, w} {
		if err := sys.SetNonblock(fd, true); err != nil {
			sys.Close(r)
			sys.Close(w)
			return nil, err
		}
	}
	return &wakeup{r: r, w: w, stop: make(chan struct{})}, nil
}

// start installs the signal notifier. SIGCHLD must be installed before the
// first fork so no child exit goes unnoticed.
func (wk *wakeup) start(ctx context.Context, forward bool) {
	wk.sigs = make(chan os.Signal, 16)
	signal.Notify(wk.sigs, syscall.SIGCHLD)
	if forward {
		signal.Notify(wk.sigs, forwardedSignals...)
	}

	wk.wg.Add(1)
	go func() {
		defer wk.wg.Done()
		done := ctx.Done()
		for {
			select {
			case <-wk.stop:
				return
			case <-done:
				wk.poke(wakeCancel)
				done = nil
			case s := <-wk.sigs:
				if sig, ok := s.(syscall.Signal); ok {
					wk.poke(byte(sig))
				}
			}
		}
	}()
}

// poke writes one byte. A full pipe already guarantees a wakeup.
func (wk *wakeup) poke(b byte) {
	_, _ = sys.Write(wk.w, []byte{b})
}

// Ready drains the pipe and records what arrived.
func (wk *wakeup) Ready(_ *selector.Selector, fd int) {
	buf := make([]byte, 64)
	for {
		n, err := sys.Read(fd, buf)
		if n <= 0 || err != nil {
			return
		}
		wk.count++
		for _, b := range buf[:n] {
			switch sig := syscall.Signal(b); {
			case b == wakeCancel:
				wk.cancelled = true
			case sig != syscall.SIGCHLD:
				wk.signals = append(wk.signals, sig)
			}
		}
	}
}

// takeSignals returns and clears the signals received since the last call.
func (wk *wakeup) takeSignals() []syscall.Signal {
	s := wk.signals
	wk.signals = nil
	return s
}

// close stops the notifier and releases the pipe.
func (wk *wakeup) close() {
	if wk.sigs != nil {
		signal.Stop(wk.sigs)
		close(wk.stop)
		wk.wg.Wait()
		wk.sigs = nil
	}
	if wk.r >= 0 {
		sys.Close(wk.r)
		wk.r = -1
	}
	if wk.w >= 0 {
		sys.Close(wk.w)
		wk.w = -1
	}
}
