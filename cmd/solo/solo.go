// Program solo is a command-line utility for exercising a single-instance
// guard: it elects a leader for an instance key, forwards arguments to a
// running leader, and prints the conventional endpoint paths.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/solo"
)

var flags struct {
	Dir     string `flag:"dir,Directory for lock and socket files (default: system temp directory)"`
	Verbose bool   `flag:"v,Enable debug logging"`
}

// basePath resolves the guard base path for an instance key, honoring the
// --dir flag.
func basePath(key string) string {
	if flags.Dir != "" {
		return filepath.Join(flags.Dir, key)
	}
	return solo.TempBase(key)
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for exercising a single-instance guard.",

		SetFlags: command.Flags(flax.MustBind, &flags),
		Init: func(env *command.Env) error {
			level := slog.LevelInfo
			if flags.Verbose {
				level = slog.LevelDebug
			}
			setSlog(level)
			return nil
		},

		Commands: []*command.C{
			{
				Name:  "run",
				Usage: "<key> [argument]...",
				Help: `Run as an instance of the application identified by key.

The first run for a key becomes the leader: it stays in the foreground and
prints each argument list forwarded by later runs. A later run for the same
key forwards its own arguments to the leader and exits.`,
				Run: runInstance,
			},
			{
				Name:  "send",
				Usage: "<key> [argument]...",
				Help:  "Forward arguments to a running leader without joining the election.",
				Run:   sendArgs,
			},
			{
				Name:  "path",
				Usage: "<key>",
				Help:  "Print the endpoint socket path for an instance key.",
				Run: func(env *command.Env) error {
					if len(env.Args) != 1 {
						return env.Usagef("missing instance key")
					}
					fmt.Println(basePath(env.Args[0]) + ".sock")
					return nil
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runInstance(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing instance key")
	}
	key, args := env.Args[0], env.Args[1:]

	g := solo.New(basePath(key)).OnExit(func() {
		slog.Info("forwarded args to the running instance", "key", key, "args", args)
		os.Exit(0)
	})
	if err := g.Run(args, func(args []string) {
		fmt.Printf("received: %q\n", args)
	}); err != nil {
		return err
	}

	slog.Info("leading", "key", key, "socket", g.SocketPath(), "args", args)
	return g.Wait()
}

func sendArgs(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing instance key")
	}
	key, args := env.Args[0], env.Args[1:]
	return solo.Send(basePath(key)+".sock", args)
}
