// Command simcom-emu runs a virtual SIM70xx modem on a pseudo-terminal,
// so the runner can be exercised without hardware.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jaracil/simcom/emu"
	"github.com/jaracil/simcom/log2"
	flags "github.com/jessevdk/go-flags"
	"github.com/juju/errors"
)

type options struct {
	Operator      string   `long:"operator" default:"Emulated" description:"operator name reported by AT+COPS?"`
	Address       string   `long:"address" default:"10.64.0.2" description:"bearer address reported by AT+CNACT?"`
	Signal        int      `long:"signal" default:"20" description:"rssi reported by AT+CSQ"`
	AttachAfter   int      `long:"attach-after" description:"address queries answered with 0.0.0.0 first, negative never attaches"`
	RejectConnect int      `long:"reject-connect" description:"AT+SMCONN attempts answered with ERROR first"`
	Fail          []string `long:"fail" description:"answer ERROR to commands with this prefix, e.g. +SMSUB (repeatable)"`
	Link          string   `long:"link" description:"create a symlink to the pty slave, e.g. /tmp/ttySIM"`
	Debug         bool     `long:"debug" description:"log every byte exchange"`
}

// failHook answers ERROR to lines starting with one of the prefixes.
func failHook(prefixes []string) emu.LineHookType {
	if len(prefixes) == 0 {
		return nil
	}
	return func(_ *emu.Modem, line string) emu.RetCode {
		for _, p := range prefixes {
			if strings.HasPrefix(strings.ToUpper(line), strings.ToUpper(p)) {
				return emu.RetCodeError
			}
		}
		return emu.RetCodeSkip
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
	level := log2.LInfo
	if opts.Debug {
		level = log2.LDebug
	}
	log := log2.NewStderr(level)
	log.SetFlags(log2.LInteractiveFlags)
	if err := run(opts, log); err != nil {
		log.Fatalf("%s", errors.ErrorStack(err))
	}
}

func run(opts options, log *log2.Log) error {
	p, err := newPty()
	if err != nil {
		return err
	}
	defer p.Close()
	if opts.Link != "" {
		_ = os.Remove(opts.Link)
		if err := os.Symlink(p.Name(), opts.Link); err != nil {
			return errors.Annotatef(err, "link %s", opts.Link)
		}
		defer os.Remove(opts.Link)
	}

	m, err := emu.NewModem(&emu.Config{
		Id:            "emu",
		TTY:           p,
		Operator:      opts.Operator,
		Address:       opts.Address,
		Signal:        opts.Signal,
		AttachAfter:   opts.AttachAfter,
		RejectConnect: opts.RejectConnect,
		LineHook:      failHook(opts.Fail),
		StatusTransition: func(_ *emu.Modem, prev, next emu.ModemStatus) {
			log.Infof("mqtt %s -> %s", prev, next)
		},
		Log: log,
	})
	if err != nil {
		return err
	}
	defer m.CloseSync()
	fmt.Printf("tty path: %s\n", p.Name())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Infof("signal %v", s)
	case <-m.Done():
	}
	mt := m.MetricsSync()
	log.Infof("commands=%d published=%d rx=%d tx=%d", mt.Commands, mt.Published, mt.TtyRxBytes, mt.TtyTxBytes)
	return nil
}
