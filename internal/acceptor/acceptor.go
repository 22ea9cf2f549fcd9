// Package acceptor runs the accept loop: bind, accept with a timeout so
// the loop can notice cancellation, apply worker-count admission control,
// and spawn one goroutine per connection. The admission-control ceiling
// mirrors original_source/procksy/proxy.py's Procksy.serve.
package acceptor

import (
	"context"
	"errors"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/cert-edf/procksy/internal/config"
	"github.com/cert-edf/procksy/internal/session"
	"github.com/cert-edf/procksy/internal/socketio"
)

// admissionBackoff is how long the loop sleeps when at the worker
// ceiling before checking again, mirroring proxy.py's `sleep(3)`.
const admissionBackoff = 3 * time.Second

// acceptPollInterval bounds each blocking Accept call so the loop can
// observe context cancellation promptly.
const acceptPollInterval = time.Second

// Acceptor owns the listening socket and the live worker count.
type Acceptor struct {
	cfg     config.Config
	workers atomic.Int64
}

// New constructs an Acceptor for cfg. The listener is created by Serve,
// not here, so construction never fails on a bind error.
func New(cfg config.Config) *Acceptor {
	return &Acceptor{cfg: cfg}
}

// Serve binds the listener and runs the accept loop until ctx is
// cancelled or the listener fails unrecoverably. It always closes the
// listener before returning.
func (a *Acceptor) Serve(ctx context.Context) error {
	ln, err := socketio.Listen(a.cfg.BindAddr, a.cfg.BindPort)
	if err != nil {
		return err
	}
	defer ln.Close()

	log.Printf("[acceptor] serving on %s:%d", a.cfg.BindAddr, a.cfg.BindPort)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	params := session.Params{
		BufferSize:    a.cfg.BufferSize,
		SockTimeout:   time.Duration(a.cfg.SockTimeout) * time.Second,
		ClientFilter:  a.cfg.ClientFilter,
		TargetFilter:  a.cfg.TargetFilter,
		Authenticator: a.cfg.Authenticator,
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if int(a.workers.Load()) >= a.cfg.MaxThreads {
			time.Sleep(admissionBackoff)
			continue
		}

		conn, err := socketio.Accept(ln, acceptPollInterval)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if socketio.IsTimeout(err) {
				continue
			}
			log.Printf("[acceptor] accept failed: %v", err)
			continue
		}

		a.workers.Add(1)
		go func() {
			defer a.workers.Add(-1)
			session.Handle(ctx, conn, params)
		}()
	}
}

// ActiveWorkers reports the current number of in-flight sessions, for
// diagnostics and tests.
func (a *Acceptor) ActiveWorkers() int {
	return int(a.workers.Load())
}
