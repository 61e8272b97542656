package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jaracil/simcom"
	"github.com/jaracil/simcom/config"
	"github.com/jaracil/simcom/log2"
	"github.com/jpillora/backoff"
	"github.com/juju/errors"
)

// ErrExhausted marks a connect cycle that used up its attempt budget.
var ErrExhausted = errors.New("retry exhausted")

type restarter interface {
	Restart(ctx context.Context) error
}

// runner drives the modem through mode select, network, endpoint,
// subscribe and publish, escalating exhaustion to a power restart.
type runner struct {
	cfg     *config.Config
	log     *log2.Log
	d       *simcom.Driver
	power   restarter
	backoff *backoff.Backoff
	// cycles counts connect sequences, including the successful one
	cycles int
}

func newRunner(cfg *config.Config, d *simcom.Driver, power restarter, log *log2.Log) *runner {
	limit := time.Duration(cfg.Restart.MaxSec) * time.Second
	if limit <= 0 {
		limit = 5 * time.Minute
	}
	return &runner{
		cfg:     cfg,
		log:     log,
		d:       d,
		power:   power,
		backoff: &backoff.Backoff{Min: time.Second, Max: limit, Factor: 2, Jitter: true},
	}
}

func outcomeErr(o simcom.Outcome) error {
	if o.Success {
		return nil
	}
	if o.Exhausted() {
		return errors.Annotate(ErrExhausted, o.String())
	}
	if o.Err != nil {
		return errors.Annotate(o.Err, o.Op)
	}
	return errors.New(o.String())
}

func (r *runner) connect(ctx context.Context) error {
	r.cycles++
	if err := r.d.SetSystemMode(ctx, r.cfg.SystemMode(), r.cfg.Modem.ModeReport); err != nil {
		return errors.Annotate(err, "system mode")
	}

	if err := outcomeErr(r.d.NetworkConnect(ctx, r.cfg.Network.APN)); err != nil {
		return err
	}
	s := r.d.Session()
	r.log.Infof("network operator=%s address=%s", s.Operator, s.IPAddress)

	var out simcom.Outcome
	if az := r.cfg.Azure; az.Enable {
		out = r.d.ConnectAzureIoTHub(ctx, az.DeviceID, az.Hub, az.SasToken)
	} else {
		out = r.d.EndpointConnect(ctx, r.cfg.EndpointConfig())
	}
	if err := outcomeErr(out); err != nil {
		return err
	}
	if err := outcomeErr(r.d.Subscribe(ctx, r.d.Session().SubscribeTopic)); err != nil {
		return err
	}
	if msg := r.cfg.Publish.Message; msg != "" {
		if err := r.d.SendMessage(ctx, msg); err != nil {
			return errors.Annotate(err, "send message")
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// up repeats the connect sequence until it succeeds or ctx is done.
// An exhausted sequence restarts the modem when a power key is configured.
func (r *runner) up(ctx context.Context) error {
	for {
		err := r.connect(ctx)
		if err == nil {
			r.backoff.Reset()
			return nil
		}
		if ctx.Err() != nil || errors.Cause(err) == simcom.ErrClosed {
			return err
		}
		r.log.Errorf("connect cycle=%d err=%v", r.cycles, err)
		if errors.Cause(err) == ErrExhausted && r.power != nil {
			if err := r.power.Restart(ctx); err != nil {
				return errors.Annotate(err, "restart")
			}
			r.d.Reset()
		}
		delay := r.backoff.Duration()
		r.log.Infof("connect retry in %v", delay)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// down tears the layers down in guard order: network, then endpoint.
func (r *runner) down(ctx context.Context) error {
	s := r.d.Session()
	if s.NetworkStatus == simcom.StatusConnected {
		if err := r.d.NetworkDisconnect(ctx); err != nil {
			return errors.Annotate(err, "network disconnect")
		}
	}
	if s.EndpointStatus == simcom.StatusConnected {
		if err := r.d.EndpointDisconnect(ctx); err != nil {
			return errors.Annotate(err, "endpoint disconnect")
		}
	}
	return nil
}

func (r *runner) String() string {
	s := r.d.Session()
	return fmt.Sprintf("cycles=%d network=%s endpoint=%s topic=%s", r.cycles, s.NetworkStatus, s.EndpointStatus, s.TopicStatus)
}
