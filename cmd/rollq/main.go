// Package main provides rollq, a command line tool for time-rolled
// append-only queues.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/calvinalkan/rollq/internal/cli"
)

// exitInterrupted is the exit code after a second interrupt.
const exitInterrupted = 130

func main() {
	env := make(map[string]string)

	for _, e := range os.Environ() {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	os.Exit(cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, env, cancelOnFirst(signals)))
}

// cancelOnFirst passes the first signal on so the running command stops and
// releases its locks. A second signal exits at once.
func cancelOnFirst(signals <-chan os.Signal) <-chan os.Signal {
	first := make(chan os.Signal, 1)

	go func() {
		first <- <-signals

		<-signals
		fmt.Fprintln(os.Stderr, "rollq: interrupted again, exiting")
		os.Exit(exitInterrupted)
	}()

	return first
}
