package main

import (
	"context"
	"os"
	"sync"
)

// foreground routes Ctrl-C to the command in progress. While the shell waits
// at its prompt an interrupt quits the client instead.
type foreground struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	quit   context.CancelFunc
}

// begin returns the context of one command and the function ending it. A
// nil foreground leaves ctx as is.
func (f *foreground) begin(ctx context.Context) (context.Context, func()) {
	if f == nil {
		return ctx, func() {}
	}
	cmdCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()
	return cmdCtx, func() {
		f.mu.Lock()
		f.cancel = nil
		f.mu.Unlock()
		cancel()
	}
}

// interrupt cancels the running command and reports true, or quits when
// there is none.
func (f *foreground) interrupt() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
		return true
	}
	if f.quit != nil {
		f.quit()
	}
	return false
}

func (f *foreground) watch(ctx context.Context, signals <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			f.interrupt()
		}
	}
}
