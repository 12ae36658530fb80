// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package solo ensures that at most one instance of an application runs at
// a time, and forwards the command-line arguments of later instances to the
// one already running.
//
// Instances of an application are identified by a shared base path. The
// first instance to start acquires an exclusive advisory lock on
// base+".lock" and becomes the leader; it binds a Unix-domain socket at
// base+".sock" and serves argument frames sent by later instances. A later
// instance finds the lock held, connects to the socket, forwards its own
// arguments in a single frame, and terminates.
//
// # Guards
//
// The core type defined by this package is the [Guard]. To create a new,
// idle guard for a base path:
//
//	g := solo.New(solo.TempBase("com.example.app"))
//
// Calling [Guard.Run] performs the election:
//
//	if err := g.Run(os.Args[1:], func(args []string) {
//	   log.Printf("another launch requested: %q", args)
//	}); err != nil {
//	   log.Fatalf("Instance guard: %v", err)
//	}
//
// On the leader Run returns immediately, leaving a service routine
// accepting connections for the rest of the process lifetime; the handler
// is invoked once per connection with the forwarded arguments, on its own
// goroutine with no ordering across connections. On a follower Run forwards
// args to the leader and invokes the termination hook, which by default
// exits the process with status 0. Use [Guard.OnExit] to substitute custom
// cleanup for the exit.
//
// # Failure properties
//
// The lock is released by the operating system when its holder exits, even
// abnormally, so a crashed leader never wedges the application. The next
// instance to start then wins the election, removes the stale socket the
// crash left behind, and rebinds. The converse race is accepted: a follower
// may observe the lock held and then find the socket gone because the
// leader exited in between. That failure propagates from Run and is not
// retried, since retrying would mask a genuine ambiguity about which
// instance is authoritative.
//
// # Wire format
//
// Each connection carries exactly one argument frame, a length-prefixed
// list of strings defined in the frame subpackage. Frames are bounded on
// both count and string size, and a connection delivering a malformed or
// out-of-bounds frame is dropped without disturbing the listener or other
// connections.
package solo
