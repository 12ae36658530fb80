// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package solo

import (
	"bufio"
	"errors"
	"expvar"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/creachadair/solo/frame"
	"github.com/creachadair/solo/lock"
	"github.com/creachadair/taskgroup"
)

// A Handler is invoked with the argument list received from a follower
// instance. Handlers for different connections run concurrently with each
// other and with the rest of the program, in no particular order.
type Handler func(args []string)

// A Guard ensures that at most one instance of an application runs per base
// path, and forwards the command-line arguments of later instances to the
// one already running.
//
// The guard derives two well-known paths from its base: base+".lock", an
// advisory lock file whose holder is the leader, and base+".sock", a
// Unix-domain socket bound by the leader. Call Run to elect: the winner
// binds the socket and serves argument frames from followers until the
// process exits or Stop is called; a loser forwards its own arguments over
// the socket and invokes the termination hook.
//
// The guard retains the acquired lock for the life of the process. The lock
// is tied to an open file descriptor and closing it forfeits leadership, so
// the guard must not be garbage collected or stopped while the instance is
// meant to remain the leader.
type Guard struct {
	base string
	exit func()
	log  *slog.Logger

	μ sync.Mutex

	lk     *lock.File
	lst    net.Listener
	tasks  *taskgroup.Group
	conns  map[net.Conn]struct{}
	closed bool  // Stop has begun; no new connection may register
	err    error // unrecoverable accept failure
}

// New constructs a new idle guard with the given base path. The default
// termination hook exits the process with status 0.
func New(base string) *Guard {
	return &Guard{base: base, exit: func() { os.Exit(0) }, log: slog.Default()}
}

// TempBase returns the conventional guard base path for an instance key:
// the key joined to the system temporary directory.
func TempBase(key string) string { return filepath.Join(os.TempDir(), key) }

// TempSocket returns the conventional endpoint path for an instance key:
// the key with a ".sock" suffix under the system temporary directory.
//
// The caller is responsible for choosing a key that is legal in a filename
// and short enough that the result fits the platform socket path limit;
// neither is validated here.
func TempSocket(key string) string { return TempBase(key) + ".sock" }

// LockPath reports the path of the guard's lock file.
func (g *Guard) LockPath() string { return g.base + ".lock" }

// SocketPath reports the path of the guard's endpoint socket.
func (g *Guard) SocketPath() string { return g.base + ".sock" }

// OnExit replaces the termination hook invoked after the guard has
// forwarded its arguments to an existing leader. Passing nil restores the
// default hook, which exits the process with status 0. Tests replace the
// hook to observe that termination was requested; applications may replace
// it to run cleanup before exiting. OnExit returns g to permit chaining.
func (g *Guard) OnExit(f func()) *Guard {
	if f == nil {
		f = func() { os.Exit(0) }
	}
	g.exit = f
	return g
}

// Logger sets the logger used for connection-level diagnostics. Passing nil
// restores the default of slog.Default. Logger returns g to permit chaining.
func (g *Guard) Logger(log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	g.log = log
	return g
}

// Run elects a leader for the guard's base path.
//
// If this process wins the election, Run starts a service routine accepting
// connections on the endpoint socket and returns nil without blocking. Each
// accepted connection carries one argument frame, delivered to handler; the
// service routine runs until the process exits or Stop is called.
//
// If another process already holds the lock, Run forwards args to it over
// the endpoint socket, invokes the termination hook, and returns nil. With
// the default hook, Run does not return in this case. A forwarding failure,
// such as the leader vanishing between the lock check and the dial, is
// reported to the caller and not retried.
//
// Run panics if g is already leading.
func (g *Guard) Run(args []string, handler Handler) error {
	if g.tasks != nil {
		panic("guard is already running")
	}
	if err := os.MkdirAll(filepath.Dir(g.base), 0700); err != nil {
		return fmt.Errorf("create endpoint directory: %w", err)
	}

	lk, err := lock.Acquire(g.LockPath())
	if errors.Is(err, lock.ErrLocked) {
		g.log.Debug("instance already running, forwarding args", "socket", g.SocketPath())
		if err := Send(g.SocketPath(), args); err != nil {
			return err
		}
		g.exit()
		return nil
	} else if err != nil {
		return err
	}

	// We are the leader. A previous leader that crashed leaves its socket
	// in the filesystem, and the bind below fails unless the stale entry is
	// removed. The lock is already held, so nothing else owns the path.
	if err := os.Remove(g.SocketPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		lk.Release()
		return fmt.Errorf("remove stale socket: %w", err)
	}
	lst, err := net.Listen("unix", g.SocketPath())
	if err != nil {
		lk.Release()
		return fmt.Errorf("bind endpoint: %w", err)
	}

	g.μ.Lock()
	g.lk = lk
	g.lst = lst
	g.conns = make(map[net.Conn]struct{})
	g.closed = false
	g.tasks = taskgroup.New(nil)
	g.μ.Unlock()
	g.log.Debug("leading instance guard", "socket", g.SocketPath())

	g.tasks.Go(func() error { g.accept(handler); return nil })
	return nil
}

// Leader reports whether g won the election on its most recent call to Run.
func (g *Guard) Leader() bool {
	g.μ.Lock()
	defer g.μ.Unlock()
	return g.lk != nil
}

// Metrics returns a map of activity counters shared by all guards in the
// process. It is safe for the caller to add additional metrics to the map.
func (g *Guard) Metrics() *expvar.Map { return guardMetrics.emap }

// accept admits connections until the listener closes or fails. Each
// connection is served on its own task so that a slow or misbehaving peer
// cannot delay the admission or processing of others.
func (g *Guard) accept(handler Handler) {
	for {
		conn, err := g.lst.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				g.μ.Lock()
				g.err = fmt.Errorf("accept: %w", err)
				g.μ.Unlock()
			}
			return
		}
		// A connection can arrive in the window after Stop's close pass but
		// before the listener close is observed here. Registering it then
		// would leave it running after Stop returns, so drop it instead.
		g.μ.Lock()
		if g.closed {
			g.μ.Unlock()
			conn.Close()
			continue
		}
		guardMetrics.connAccepted.Add(1)
		g.conns[conn] = struct{}{}
		g.μ.Unlock()
		g.tasks.Go(func() error { g.serve(conn, handler); return nil })
	}
}

// serve handles one accepted connection: decode one argument frame, invoke
// the handler, drop the connection. Failures are confined to this
// connection.
func (g *Guard) serve(conn net.Conn, handler Handler) {
	guardMetrics.connActive.Add(1)
	defer func() {
		conn.Close()
		g.μ.Lock()
		delete(g.conns, conn)
		g.μ.Unlock()
		guardMetrics.connActive.Add(-1)
	}()

	var f frame.Frame
	if _, err := f.ReadFrom(bufio.NewReader(conn)); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return // terminated by Stop, not a protocol violation
		}
		guardMetrics.frameInvalid.Add(1)
		g.log.Warn("drop connection: invalid frame", "err", err)
		return
	}
	guardMetrics.frameRecv.Add(1)

	// A panic out of the handler must not take down the accept loop, so
	// treat it like any other misbehaving connection.
	defer func() {
		if x := recover(); x != nil {
			g.log.Warn("args handler panicked (recovered)", "value", x)
		}
	}()
	handler(f.Args)
}

// Stop closes the endpoint socket and any in-flight connections, releases
// the lock, and blocks until the service routine has exited. After Stop the
// process is no longer the leader and another instance may be elected. Stop
// returns the value Wait reports.
func (g *Guard) Stop() error {
	g.μ.Lock()
	g.closed = true
	if g.lst != nil {
		g.lst.Close()
	}
	for conn := range g.conns {
		conn.Close()
	}
	g.μ.Unlock()
	return g.Wait()
}

// Wait blocks until the guard's service routine terminates, and reports the
// error that caused it to stop, or nil after a clean shutdown. If g is not
// leading, Wait returns nil immediately.
func (g *Guard) Wait() error {
	g.μ.Lock()
	t := g.tasks
	g.μ.Unlock()
	if t == nil {
		return nil
	}
	t.Wait()

	// Clean up guard state so it can be garbage collected.
	g.μ.Lock()
	defer g.μ.Unlock()
	g.tasks = nil
	g.conns = nil
	g.lst = nil
	if g.lk != nil {
		g.lk.Release()
		g.lk = nil
	}
	return g.err
}

// Send connects to the guard endpoint at path and forwards args to the
// leader as a single frame.
//
// A connection failure is reported to the caller and deliberately not
// retried: the usual cause is the leader exiting between its lock being
// observed held and the dial, and masking that would hide which instance
// is authoritative.
func Send(path string, args []string) error {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return fmt.Errorf("dial leader: %w", err)
	}
	defer conn.Close()

	f := frame.Frame{Args: args}
	w := bufio.NewWriter(conn)
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("send args: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("send args: %w", err)
	}
	guardMetrics.frameSent.Add(1)
	return nil
}
