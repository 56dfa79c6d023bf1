// Package cli runs an interactive line console over stdin.
// On a terminal it uses go-prompt with completion, otherwise
// it executes stdin line by line, which makes console scripts possible:
// `printf 'AT\nAT+CSQ\n' | modem-cli -port /dev/ttyS1`
package cli

import (
	"bufio"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop blocks until stdin ends. onStop runs once on termination signal
// before exit, use it to release the serial port.
func MainLoop(tag string, exec func(line string), complete prompt.Completer, onStop func()) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		<-signalCh
		if onStop != nil {
			onStop()
		}
		os.Exit(1)
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return
	}
	ExecLines(os.Stdin, exec)
}

// ExecLines runs exec for each non-empty trimmed line of r.
func ExecLines(r io.Reader, exec func(line string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		exec(line)
	}
	if err := scanner.Err(); err != nil {
		log.Fatal(err)
	}
}
