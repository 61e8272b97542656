// Command simcom brings a SIM70xx modem online: network, MQTT endpoint,
// subscription, then serves session status and publishing over HTTP.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/jaracil/simcom"
	"github.com/jaracil/simcom/config"
	"github.com/jaracil/simcom/httpapi"
	"github.com/jaracil/simcom/log2"
	"github.com/jaracil/simcom/power"
	flags "github.com/jessevdk/go-flags"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

type options struct {
	Config string `short:"c" long:"config" default:"simcom.hcl" description:"configuration file"`
	Device string `short:"d" long:"device" description:"serial device, overrides serial.device"`
	Baud   int    `short:"b" long:"baud" description:"serial baud rate, overrides serial.baud"`
	Listen string `short:"l" long:"listen" description:"HTTP listen address, overrides http.listen"`
	Debug  bool   `long:"debug" description:"log every command and response"`
}

func (o *options) apply(c *config.Config) {
	if o.Device != "" {
		c.Serial.Device = o.Device
	}
	if o.Baud != 0 {
		c.Serial.Baud = o.Baud
	}
	if o.Listen != "" {
		c.HTTP.Listen = o.Listen
	}
	if o.Debug {
		c.Log.Level = "debug"
	}
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	log := log2.NewStderr(log2.LInfo)
	switch {
	case sdnotify("start"):
		// under systemd journal, no timestamp
		log.SetFlags(log2.LServiceFlags)
	case isatty.IsTerminal(os.Stderr.Fd()):
		log.SetFlags(log2.LInteractiveFlags)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		log.Fatalf("%s", errors.ErrorStack(err))
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	log.SetLevel(log2.ParseLevel(cfg.Log.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.Fatalf("%s", errors.ErrorStack(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *log2.Log) error {
	tr, err := simcom.OpenSerial(cfg.Serial.Device, cfg.Serial.Baud, log)
	if err != nil {
		return err
	}
	defer tr.Close()

	events := httpapi.NewEvents()
	dc := cfg.Driver()
	dc.Transport = tr
	dc.Log = log
	dc.LineHook = events.Broadcast
	dc.StatusTransition = func(layer simcom.Layer, prev, next simcom.ConnectionStatus) {
		log.Infof("%s %s -> %s", layer, prev, next)
	}
	d, err := simcom.NewDriver(&dc)
	if err != nil {
		return err
	}
	defer d.Close()
	tr.Start(d.Ingest)

	var key restarter
	if cfg.Restart.Enable {
		k, err := power.Open(cfg.Power(), log)
		if err != nil {
			return err
		}
		defer k.Close()
		key = k
	}

	r := newRunner(cfg, d, key, log)
	if err := r.up(ctx); err != nil {
		return err
	}
	log.Infof("online %s", r)

	var srv *http.Server
	if cfg.HTTP.Listen != "" {
		srv = &http.Server{
			Addr:    cfg.HTTP.Listen,
			Handler: httpapi.NewRouter(d, events, 2*dc.LongSettle+5*time.Second, log),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("http: %v", err)
			}
		}()
	}
	sdnotify(daemon.SdNotifyReady)

	var cause error
	select {
	case <-ctx.Done():
		log.Infof("stopping")
	case <-tr.Done():
		cause = errors.Annotate(tr.Err(), "serial")
	}
	sdnotify(daemon.SdNotifyStopping)
	if srv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutCtx)
		cancel()
	}
	if cause != nil {
		return cause
	}
	downCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return r.down(downCtx)
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log2.NewStderr(log2.LError).Errorf("sdnotify: %v", err)
	}
	return ok
}
