package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/sensorsafrica/airnode/internal/state"
	"github.com/sensorsafrica/airnode/log2"
)

var BuildVersion = "unknown" // set by ldflags -X

var log = log2.NewStderr(log2.LDebug)

func main() {
	flagConfig := flag.String("config", "airnode.hcl", "")
	flag.Parse()

	switch {
	case os.Getenv("INVOCATION_ID") != "" || sdnotify("start"):
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	case isatty.IsTerminal(os.Stderr.Fd()):
		log.SetFlags(log2.LInteractiveFlags)
	default:
		log.SetFlags(log2.LStdFlags)
	}

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	if !config.Node.LogDebug {
		log.SetLevel(log2.LInfo)
	}
	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	g.MustInit(ctx, config)
	log.Debugf("config=%+v", *g.Config)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("signal=%v, stopping", sig)
		g.Stop()
	}()
	go watchdog(g)

	sdnotify(daemon.SdNotifyReady)
	err := g.Run(ctx)
	sdnotify(daemon.SdNotifyStopping)
	if errClose := g.Close(); errClose != nil {
		log.Error(errClose)
	}
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

// watchdog pings systemd while delivery loop is alive.
func watchdog(g *state.Global) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-g.Alive.StopChan():
			return
		case <-t.C:
			sdnotify(daemon.SdNotifyWatchdog)
		}
	}
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
