// Package power restarts the cellular module by pulsing its PWRKEY input
// through a Linux GPIO character device line.
package power

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/jaracil/simcom/log2"
	"github.com/juju/errors"
	"github.com/temoto/gpio-cdev-go"
)

// Defaults for a SIM70xx module.
const (
	DefaultChip     = "/dev/gpiochip0"
	DefaultPress    = 1500 * time.Millisecond
	DefaultOffDelay = 2 * time.Second
	DefaultBoot     = 5 * time.Second
)

// Lines is the part of an open GPIO line handle the key needs.
type Lines interface {
	io.Closer
	SetFunc(line uint32) gpio.LineSetFunc
	Flush() error
}

// Config selects the PWRKEY line and its timings. Zero values take defaults.
type Config struct {
	Chip string
	Line uint32
	// ActiveLow inverts the line, set when PWRKEY is driven through a transistor
	ActiveLow bool
	// Press is how long the key is held (default: 1.5s)
	Press time.Duration
	// OffDelay is the pause between power off and power on (default: 2s)
	OffDelay time.Duration
	// Boot is the time the module needs before it accepts commands (default: 5s)
	Boot time.Duration
}

// Key drives the PWRKEY line. Only one press runs at a time.
type Key struct {
	mu    sync.Mutex
	cfg   Config
	log   *log2.Log
	chip  io.Closer
	lines Lines
	set   gpio.LineSetFunc
}

// Open requests cfg.Line as output on the GPIO chip, key released.
func Open(cfg Config, log *log2.Log) (*Key, error) {
	if cfg.Chip == "" {
		cfg.Chip = DefaultChip
	}
	chip, err := gpio.Open(cfg.Chip, "simcom")
	if err != nil {
		return nil, errors.Annotatef(err, "gpio open %s", cfg.Chip)
	}
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, "simcom-pwrkey", cfg.Line)
	if err != nil {
		chip.Close()
		return nil, errors.Annotatef(err, "gpio line %d", cfg.Line)
	}
	k := NewKey(lines, cfg, log)
	k.chip = chip
	if err := k.write(false); err != nil {
		k.Close()
		return nil, err
	}
	return k, nil
}

// NewKey wraps an already open line handle.
func NewKey(lines Lines, cfg Config, log *log2.Log) *Key {
	if cfg.Press <= 0 {
		cfg.Press = DefaultPress
	}
	if cfg.OffDelay <= 0 {
		cfg.OffDelay = DefaultOffDelay
	}
	if cfg.Boot <= 0 {
		cfg.Boot = DefaultBoot
	}
	return &Key{
		cfg:   cfg,
		log:   log,
		lines: lines,
		set:   lines.SetFunc(cfg.Line),
	}
}

func (k *Key) write(pressed bool) error {
	var v byte
	if pressed != k.cfg.ActiveLow {
		v = 1
	}
	k.set(v)
	return errors.Annotate(k.lines.Flush(), "gpio flush")
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

func (k *Key) press(ctx context.Context) (err error) {
	if err = k.write(true); err != nil {
		return err
	}
	defer func() {
		if e := k.write(false); err == nil {
			err = e
		}
	}()
	return sleep(ctx, k.cfg.Press)
}

// Press holds the key for the configured time, toggling module power.
func (k *Key) Press(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.press(ctx)
}

// Restart powers the module off and on again, then waits for it to boot.
func (k *Key) Restart(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.log.Infof("power: restart line=%d", k.cfg.Line)
	if err := k.press(ctx); err != nil {
		return errors.Annotate(err, "power off")
	}
	if err := sleep(ctx, k.cfg.OffDelay); err != nil {
		return err
	}
	if err := k.press(ctx); err != nil {
		return errors.Annotate(err, "power on")
	}
	return sleep(ctx, k.cfg.Boot)
}

// Close releases the line and the chip.
func (k *Key) Close() error {
	err := k.lines.Close()
	if k.chip != nil {
		if e := k.chip.Close(); err == nil {
			err = e
		}
	}
	return errors.Trace(err)
}
