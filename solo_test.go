// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package solo_test

import (
	"expvar"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/solo"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// mustLead runs a new guard as the leader of base with the given handler,
// and fails the test if it does not win the election. The caller must defer
// a call to stop for the returned guard, before any leak checks.
func mustLead(t *testing.T, base string, handler solo.Handler) *solo.Guard {
	t.Helper()
	g := solo.New(base)
	if err := g.Run([]string{"--first"}, handler); err != nil {
		t.Fatalf("Run: unexpected error: %v", err)
	}
	if !g.Leader() {
		t.Fatal("Run: guard did not become the leader")
	}
	return g
}

func stop(t *testing.T, g *solo.Guard) {
	t.Helper()
	if err := g.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
}

func invalidFrames(g *solo.Guard) int64 {
	return g.Metrics().Get("frames_invalid").(*expvar.Int).Value()
}

func TestLeaderFollower(t *testing.T) {
	defer leaktest.Check(t)()

	base := filepath.Join(t.TempDir(), "app")
	got := make(chan []string, 1)
	g := mustLead(t, base, func(args []string) { got <- args })
	defer stop(t, g)

	exited := make(chan struct{})
	f := solo.New(base).OnExit(func() { close(exited) })
	if err := f.Run([]string{"--bar", "baz"}, func([]string) {
		t.Error("follower handler should not be invoked")
	}); err != nil {
		t.Fatalf("Run follower: unexpected error: %v", err)
	}
	if f.Leader() {
		t.Error("follower: Leader() = true, want false")
	}

	select {
	case <-exited:
		// ok, the follower requested termination
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the follower termination hook")
	}
	select {
	case args := <-got:
		if diff := cmp.Diff([]string{"--bar", "baz"}, args); diff != "" {
			t.Errorf("Forwarded args (-want, +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the forwarded args")
	}
	if !g.Leader() {
		t.Error("leader lost leadership")
	}
}

func TestStaleSocket(t *testing.T) {
	defer leaktest.Check(t)()

	// Simulate the debris of a crashed leader: the lock is free but the
	// socket path is still occupied.
	base := filepath.Join(t.TempDir(), "app")
	if err := os.WriteFile(base+".sock", []byte("stale"), 0600); err != nil {
		t.Fatalf("Write stale socket: %v", err)
	}

	got := make(chan []string, 1)
	g := mustLead(t, base, func(args []string) { got <- args })
	defer stop(t, g)

	if err := solo.Send(g.SocketPath(), []string{"hello"}); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	select {
	case args := <-got:
		if diff := cmp.Diff([]string{"hello"}, args); diff != "" {
			t.Errorf("Forwarded args (-want, +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the forwarded args")
	}
}

func TestConnectionIsolation(t *testing.T) {
	defer leaktest.Check(t)()

	base := filepath.Join(t.TempDir(), "app")
	got := make(chan []string, 1)
	g := mustLead(t, base, func(args []string) { got <- args })
	defer stop(t, g)
	before := invalidFrames(g)

	// A peer that connects but never writes ties up only its own task.
	// Guard.Stop is responsible for unwedging it at the end of the test.
	idle, err := net.Dial("unix", g.SocketPath())
	if err != nil {
		t.Fatalf("Dial idle peer: %v", err)
	}
	defer idle.Close()

	// A peer that writes a torn frame and hangs up is dropped.
	junk, err := net.Dial("unix", g.SocketPath())
	if err != nil {
		t.Fatalf("Dial junk peer: %v", err)
	}
	if _, err := junk.Write([]byte{0, 0}); err != nil {
		t.Fatalf("Write junk: %v", err)
	}
	junk.Close()

	// Despite both, a well-formed frame still gets through.
	if err := solo.Send(g.SocketPath(), []string{"still", "alive"}); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	select {
	case args := <-got:
		if diff := cmp.Diff([]string{"still", "alive"}, args); diff != "" {
			t.Errorf("Forwarded args (-want, +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the forwarded args")
	}

	// The junk connection is counted once its task observes the hangup.
	deadline := time.Now().Add(5 * time.Second)
	for invalidFrames(g) == before {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the junk frame to be counted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandlerPanic(t *testing.T) {
	defer leaktest.Check(t)()

	base := filepath.Join(t.TempDir(), "app")
	got := make(chan []string, 1)
	g := mustLead(t, base, func(args []string) {
		if args[0] == "boom" {
			panic("handler exploded")
		}
		got <- args
	})
	defer stop(t, g)

	if err := solo.Send(g.SocketPath(), []string{"boom"}); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	if err := solo.Send(g.SocketPath(), []string{"fine"}); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	select {
	case args := <-got:
		if diff := cmp.Diff([]string{"fine"}, args); diff != "" {
			t.Errorf("Forwarded args (-want, +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the forwarded args")
	}
}

func TestRunWhileLeading(t *testing.T) {
	defer leaktest.Check(t)()

	base := filepath.Join(t.TempDir(), "app")
	g := mustLead(t, base, func([]string) {})
	defer stop(t, g)
	mtest.MustPanic(t, func() {
		g.Run(nil, func([]string) {})
	})
}

func TestStopDuringAccept(t *testing.T) {
	defer leaktest.Check(t)()

	// Connections that arrive while Stop is tearing the guard down may be
	// accepted but not yet registered when Stop's close pass runs. Hammer
	// the endpoint with idle peers across repeated elections to land in
	// that window, and verify Stop returns regardless.
	base := filepath.Join(t.TempDir(), "app")
	for range 50 {
		g := solo.New(base)
		if err := g.Run(nil, func([]string) {}); err != nil {
			t.Fatalf("Run: unexpected error: %v", err)
		}

		var (
			μ     sync.Mutex
			conns []net.Conn
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				conn, err := net.Dial("unix", g.SocketPath())
				if err != nil {
					return // the endpoint is gone, Stop has won
				}
				μ.Lock()
				conns = append(conns, conn)
				μ.Unlock()
			}
		}()

		stopped := make(chan error, 1)
		go func() { stopped <- g.Stop() }()
		select {
		case err := <-stopped:
			if err != nil {
				t.Fatalf("Stop: unexpected error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("Stop hung with connections in flight")
		}

		<-done
		μ.Lock()
		for _, conn := range conns {
			conn.Close()
		}
		μ.Unlock()
	}
}

func TestStopIsQuiet(t *testing.T) {
	defer leaktest.Check(t)()

	// Connections the guard itself terminates during Stop are teardown,
	// not protocol violations: they must not be counted or logged as
	// invalid frames.
	base := filepath.Join(t.TempDir(), "app")
	g := mustLead(t, base, func([]string) {})
	before := invalidFrames(g)

	idle, err := net.Dial("unix", g.SocketPath())
	if err != nil {
		t.Fatalf("Dial idle peer: %v", err)
	}
	defer idle.Close()

	stop(t, g)
	if got := invalidFrames(g); got != before {
		t.Errorf("frames_invalid after clean stop: got %d, want %d", got, before)
	}
}

func TestStopReleasesLeadership(t *testing.T) {
	defer leaktest.Check(t)()

	base := filepath.Join(t.TempDir(), "app")
	g1 := solo.New(base)
	if err := g1.Run(nil, func([]string) {}); err != nil {
		t.Fatalf("Run first guard: unexpected error: %v", err)
	}
	if err := g1.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
	if g1.Leader() {
		t.Error("after Stop: Leader() = true, want false")
	}

	// With the lock released, a new election is winnable.
	g2 := mustLead(t, base, func([]string) {})
	stop(t, g2)
}

func TestSendNoLeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.sock")
	if err := solo.Send(path, []string{"x"}); err == nil {
		t.Error("Send with no leader: got nil, want error")
	} else {
		t.Logf("Send error (OK): %v", err)
	}
}

func TestEnvironmentFailure(t *testing.T) {
	// The parent of the base path is a regular file, so the endpoint
	// directory cannot be created.
	plug := filepath.Join(t.TempDir(), "plug")
	if err := os.WriteFile(plug, nil, 0600); err != nil {
		t.Fatalf("Write plug file: %v", err)
	}

	g := solo.New(filepath.Join(plug, "deeper", "app"))
	if err := g.Run(nil, func([]string) {}); err == nil {
		t.Error("Run: got nil, want error")
	} else {
		t.Logf("Run error (OK): %v", err)
	}
}

func TestWaitIdle(t *testing.T) {
	g := solo.New(filepath.Join(t.TempDir(), "app"))
	if err := g.Wait(); err != nil {
		t.Errorf("Wait on idle guard: got %v, want nil", err)
	}
}

func TestTempSocket(t *testing.T) {
	const key = "com.example.widget"
	want := filepath.Join(os.TempDir(), key+".sock")
	if got := solo.TempSocket(key); got != want {
		t.Errorf("TempSocket(%q): got %q, want %q", key, got, want)
	}
	if got := solo.New(solo.TempBase(key)).SocketPath(); got != want {
		t.Errorf("SocketPath: got %q, want %q", got, want)
	}
}
