package simcom

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jaracil/simcom/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

// Driver composes the command channel, retry policy and session into the
// modem operations. Operations are serialised: one logical worker issues
// commands while the inbound loop applies facts concurrently.
type Driver struct {
	op      sync.Mutex // one operation at a time
	cfg     Config
	log     *log2.Log
	ch      *channel
	session *Session
	retry   RetryPolicy
	metrics *metrics
	alive   *alive.Alive
	inbox   chan inbound

	ilk   sync.Mutex // protects dec and split
	dec   *decoder
	split lineSplitter
}

// EndpointConfig describes the MQTT broker the modem connects to.
type EndpointConfig struct {
	ClientID string
	URL      string
	Port     int
	Username string
	Password string
	// KeepAlive in seconds (default: 60)
	KeepAlive int
}

func (ep EndpointConfig) validate() error {
	for _, f := range []struct{ name, v string }{
		{"client id", ep.ClientID},
		{"url", ep.URL},
		{"username", ep.Username},
		{"password", ep.Password},
	} {
		if err := validArg(f.name, f.v); err != nil {
			return err
		}
	}
	return nil
}

const (
	azurePort       = 8883
	azureAPIVersion = "2021-04-12"
	cmdDiagDump     = "AT+CEDUMP=1"
)

// NewDriver creates a driver with all layers disconnected.
// The config parameter must not be nil and must contain Transport.
//
// Returns ErrConfigRequired if config is nil or required fields are missing.
func NewDriver(config *Config) (*Driver, error) {
	if config == nil || config.Transport == nil {
		return nil, ErrConfigRequired
	}
	cfg := *config
	if cfg.Retry <= 0 {
		cfg.Retry = DefaultRetry
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.LongSettle <= 0 {
		cfg.LongSettle = DefaultLongSettle
	}
	dec, err := newDecoder(cfg.Charset)
	if err != nil {
		return nil, err
	}

	m := &metrics{}
	d := &Driver{
		cfg:     cfg,
		log:     cfg.Log,
		ch:      newChannel(cfg.Transport, cfg.Log, m),
		session: newSession(cfg.StatusTransition),
		retry:   RetryPolicy{MaxAttempts: cfg.Retry, Log: cfg.Log},
		metrics: m,
		alive:   alive.NewAlive(),
		inbox:   make(chan inbound, 64),
		dec:     dec,
	}
	d.alive.Add(1)
	go d.loop()
	return d, nil
}

// Close stops the inbound loop. Commands in flight complete as timed out
// and later operations fail with ErrClosed. The transport is not closed.
func (d *Driver) Close() {
	d.alive.Stop()
	d.ch.closeAll()
	d.alive.Wait()
}

// Session returns a copy of the connection record.
func (d *Driver) Session() SessionSnapshot { return d.session.Snapshot() }

// Metrics returns a copy of the runtime statistics.
func (d *Driver) Metrics() Metrics { return d.metrics.copy() }

// Reset puts the session back to defaults, used after the modem restarted.
func (d *Driver) Reset() {
	d.op.Lock()
	defer d.op.Unlock()
	d.session.Lock()
	d.session.reset()
	d.session.Unlock()
}

// send issues one command. Only transport failures, a closed driver,
// a done context and (with StrictReplies) a missing final result code are
// errors; an ERROR answer is left for the caller to judge.
func (d *Driver) send(ctx context.Context, text string, settle time.Duration) (Reply, error) {
	return d.sendCommand(ctx, Command{Text: text, Settle: settle})
}

func (d *Driver) sendCommand(ctx context.Context, cmd Command) (Reply, error) {
	if !d.alive.IsRunning() {
		return Reply{Command: cmd.Text}, errors.Trace(ErrClosed)
	}
	r, err := d.ch.Send(ctx, cmd)
	if err != nil {
		return r, err
	}
	if r.Result == ResultTimeout && !d.alive.IsRunning() {
		return r, errors.Annotatef(ErrClosed, "command %q", cmd.Text)
	}
	if r.Result == ResultTimeout && d.cfg.StrictReplies {
		return r, errors.Timeoutf("command %q no reply in %v", cmd.Text, cmd.Settle)
	}
	return r, nil
}

func replyErr(r Reply) error {
	if r.Result == ResultError {
		return errors.Annotatef(ErrProtocol, "%s: %s", r.Command, r.Final)
	}
	return nil
}

func (d *Driver) status(layer Layer) ConnectionStatus { return d.session.StatusSync(layer) }

func (d *Driver) setStatus(layer Layer, st ConnectionStatus) {
	d.session.Lock()
	d.session.setStatus(layer, st)
	d.session.Unlock()
}

func notReady(op string, layer Layer, st ConnectionStatus) Outcome {
	return Outcome{Op: op, Err: errors.Annotatef(ErrNotReady, "%s is %s", layer, st)}
}

// SetSystemMode selects the radio access technology, optionally with
// network system mode change reporting.
func (d *Driver) SetSystemMode(ctx context.Context, mode SystemMode, enableReporting bool) error {
	d.op.Lock()
	defer d.op.Unlock()
	reporting := 0
	if enableReporting {
		reporting = 1
	}
	r, err := d.send(ctx, fmt.Sprintf("AT+CNSMOD=%d,%d", reporting, int(mode)), d.cfg.LongSettle)
	if err != nil {
		return err
	}
	return replyErr(r)
}

// NetworkConnect attaches to the packet network using apn. An attempt
// succeeds when the modem reported a non default address for the
// activated context; the answer is applied by the inbound loop before
// the address query returns.
func (d *Driver) NetworkConnect(ctx context.Context, apn string) Outcome {
	const op = "network connect"
	d.op.Lock()
	defer d.op.Unlock()
	if apn == "" {
		return Outcome{Op: op, Err: errors.NotValidf("empty APN")}
	}
	if err := validArg("APN", apn); err != nil {
		return Outcome{Op: op, Err: err}
	}
	d.session.Lock()
	d.session.beginAttempt()
	d.session.Unlock()

	out := d.retry.Execute(ctx, op, func(ctx context.Context, attempt int) (bool, error) {
		cmds := []string{
			"AT+CSQ",
			"AT+COPS?",
			"AT+CGNAPN",
			fmt.Sprintf(`AT+CGDCONT=1,"IP","%s"`, apn),
		}
		if attempt > 2 && !d.cfg.KeepActiveOnRetry {
			cmds = append(cmds, "AT+CNACT=0,0")
		}
		cmds = append(cmds, "AT+CNACT=0,2", "AT+CNACT?")
		for _, cmd := range cmds {
			r, err := d.send(ctx, cmd, d.cfg.Settle)
			if err != nil {
				return false, err
			}
			if err := replyErr(r); err != nil {
				d.log.Infof("%v", err)
			}
		}
		if st := d.status(LayerNetwork); st != StatusConnected {
			return false, errors.Errorf("no address assigned, network %s", st)
		}
		return true, nil
	})
	s := d.session.Snapshot()
	d.log.Infof("%s operator=%s address=%s", out, s.Operator, s.IPAddress)
	return out
}

// NetworkDisconnect deactivates the network context. The network layer is
// Disconnected as soon as the command was written.
func (d *Driver) NetworkDisconnect(ctx context.Context) error {
	d.op.Lock()
	defer d.op.Unlock()
	r, err := d.send(ctx, "AT+CNACT=0,0", d.cfg.Settle)
	if err != nil && !errors.IsTimeout(err) {
		return err
	}
	d.session.Lock()
	d.session.networkDown()
	d.session.Unlock()
	if err := replyErr(r); err != nil {
		d.log.Infof("%v", err)
	}
	return nil
}

// EndpointConnect configures the modem MQTT client and connects it.
// It is refused unless the network is Connected. On success the subscribe
// and publish topics are derived from the client id.
func (d *Driver) EndpointConnect(ctx context.Context, ep EndpointConfig) Outcome {
	const op = "endpoint connect"
	d.op.Lock()
	defer d.op.Unlock()
	if st := d.status(LayerNetwork); st != StatusConnected {
		return notReady(op, LayerNetwork, st)
	}
	if ep.ClientID == "" || ep.URL == "" {
		return Outcome{Op: op, Err: errors.NotValidf("endpoint client id and url")}
	}
	if err := ep.validate(); err != nil {
		return Outcome{Op: op, Err: err}
	}
	keep := ep.KeepAlive
	if keep <= 0 {
		keep = 60
	}

	out := d.retry.Execute(ctx, op, func(ctx context.Context, attempt int) (bool, error) {
		cmds := []string{
			fmt.Sprintf(`AT+SMCONF="CLIENTID","%s"`, ep.ClientID),
			fmt.Sprintf(`AT+SMCONF="KEEPTIME",%d`, keep),
			fmt.Sprintf(`AT+SMCONF="URL","%s","%d"`, ep.URL, ep.Port),
			`AT+SMCONF="CLEANSS",1`,
			`AT+SMCONF="QOS",1`,
			fmt.Sprintf(`AT+SMCONF="USERNAME","%s"`, ep.Username),
			fmt.Sprintf(`AT+SMCONF="PASSWORD","%s"`, ep.Password),
		}
		for _, cmd := range cmds {
			if _, err := d.send(ctx, cmd, d.cfg.Settle); err != nil {
				return false, d.endpointFailed(ctx, err)
			}
		}
		r, err := d.send(ctx, "AT+SMCONN", d.cfg.LongSettle)
		if err == nil {
			err = replyErr(r)
		}
		if err != nil {
			return false, d.endpointFailed(ctx, err)
		}
		d.session.Lock()
		d.session.subTopic = fmt.Sprintf(subscribeTopicFormat, ep.ClientID)
		d.session.pubTopic = fmt.Sprintf(publishTopicFormat, ep.ClientID)
		d.session.setStatus(LayerEndpoint, StatusConnected)
		d.session.Unlock()
		return true, nil
	})
	d.log.Infof("%s url=%s:%d", out, ep.URL, ep.Port)
	return out
}

// endpointFailed asks the modem for a diagnostic dump and marks the endpoint Error.
func (d *Driver) endpointFailed(ctx context.Context, cause error) error {
	if errors.Cause(cause) != ErrClosed && ctx.Err() == nil {
		if r, err := d.send(ctx, cmdDiagDump, d.cfg.Settle); err != nil {
			d.log.Errorf("diagnostic dump: %v", err)
		} else if len(r.Lines) > 0 {
			d.log.Infof("diagnostic dump: %q", r.Lines)
		}
	}
	d.setStatus(LayerEndpoint, StatusError)
	return cause
}

// ConnectAzureIoTHub connects the endpoint to an Azure IoT Hub device
// identity authenticated by a SAS token.
func (d *Driver) ConnectAzureIoTHub(ctx context.Context, deviceID, hubName, sasToken string) Outcome {
	host := hubName + ".azure-devices.net"
	return d.EndpointConnect(ctx, EndpointConfig{
		ClientID: deviceID,
		URL:      host,
		Port:     azurePort,
		Username: fmt.Sprintf("%s/%s/?api-version=%s", host, deviceID, azureAPIVersion),
		Password: sasToken,
	})
}

// Subscribe subscribes the endpoint to topic with QoS 1.
func (d *Driver) Subscribe(ctx context.Context, topic string) Outcome {
	const op = "subscribe"
	d.op.Lock()
	defer d.op.Unlock()
	if st := d.status(LayerEndpoint); st != StatusConnected {
		return notReady(op, LayerEndpoint, st)
	}
	if err := validTopic(topic, true); err != nil {
		return Outcome{Op: op, Err: err}
	}
	return d.retry.Execute(ctx, op, func(ctx context.Context, attempt int) (bool, error) {
		r, err := d.send(ctx, fmt.Sprintf(`AT+SMSUB="%s",1`, topic), d.cfg.Settle)
		if err == nil {
			err = replyErr(r)
		}
		d.session.Lock()
		defer d.session.Unlock()
		if err != nil {
			d.session.setStatus(LayerTopic, StatusError)
			return false, err
		}
		d.session.subscribed = topic
		d.session.setStatus(LayerTopic, StatusConnected)
		return true, nil
	})
}

// Unsubscribe removes the subscription to topic.
func (d *Driver) Unsubscribe(ctx context.Context, topic string) Outcome {
	const op = "unsubscribe"
	d.op.Lock()
	defer d.op.Unlock()
	if st := d.status(LayerEndpoint); st != StatusConnected {
		return notReady(op, LayerEndpoint, st)
	}
	if err := validTopic(topic, true); err != nil {
		return Outcome{Op: op, Err: err}
	}
	return d.unsubscribe(ctx, topic)
}

func (d *Driver) unsubscribe(ctx context.Context, topic string) Outcome {
	return d.retry.Execute(ctx, "unsubscribe", func(ctx context.Context, attempt int) (bool, error) {
		r, err := d.send(ctx, fmt.Sprintf(`AT+SMUNSUB="%s"`, topic), d.cfg.Settle)
		if err == nil {
			err = replyErr(r)
		}
		if err != nil {
			return false, err
		}
		d.session.Lock()
		defer d.session.Unlock()
		if d.session.subscribed == topic {
			d.session.subscribed = ""
		}
		d.session.setStatus(LayerTopic, StatusDisconnected)
		return true, nil
	})
}

// Publish sends message to topic: the publish intent carrying the payload
// byte length, then the raw payload. It does not wait for a broker
// acknowledgment. Once the intent is written the modem expects the payload,
// so ctx only stops Publish before that point.
func (d *Driver) Publish(ctx context.Context, topic, message string) error {
	d.op.Lock()
	defer d.op.Unlock()
	return d.publish(ctx, topic, message)
}

func (d *Driver) publish(ctx context.Context, topic, message string) error {
	if st := d.status(LayerEndpoint); st != StatusConnected {
		return errors.Annotatef(ErrNotReady, "endpoint is %s", st)
	}
	if err := validTopic(topic, false); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	wctx := context.WithoutCancel(ctx)
	r, err := d.send(wctx, fmt.Sprintf(`AT+SMPUB="%s",%d,1,1`, topic, len(message)), d.cfg.Settle)
	if err != nil {
		return err
	}
	if err := replyErr(r); err != nil {
		return err
	}
	r, err = d.sendCommand(wctx, Command{Text: message, Settle: d.cfg.Settle, Raw: true})
	if err != nil {
		return err
	}
	return replyErr(r)
}

// SendMessage publishes message to the publish topic derived on endpoint connect.
func (d *Driver) SendMessage(ctx context.Context, message string) error {
	d.op.Lock()
	defer d.op.Unlock()
	topic := d.session.Snapshot().PublishTopic
	if topic == "" {
		return errors.Annotate(ErrNotReady, "no publish topic")
	}
	return d.publish(ctx, topic, message)
}

// EndpointDisconnect closes the MQTT session. It only proceeds when the
// network layer is already down and the endpoint is Connected; a
// subscribed topic is unsubscribed first.
func (d *Driver) EndpointDisconnect(ctx context.Context) error {
	d.op.Lock()
	defer d.op.Unlock()
	s := d.session.Snapshot()
	if s.NetworkStatus == StatusConnected || s.EndpointStatus != StatusConnected {
		return errors.Annotatef(ErrNotReady, "endpoint disconnect network=%s endpoint=%s", s.NetworkStatus, s.EndpointStatus)
	}
	if s.TopicStatus == StatusConnected && s.Subscribed != "" {
		if out := d.unsubscribe(ctx, s.Subscribed); !out.Success {
			d.log.Errorf("%s", out)
			if out.Aborted() {
				return out.Err
			}
		}
	}
	r, err := d.send(ctx, "AT+SMDISC", d.cfg.Settle)
	if err != nil && !errors.IsTimeout(err) {
		d.setStatus(LayerEndpoint, StatusError)
		return err
	}
	d.session.Lock()
	d.session.setStatus(LayerTopic, StatusDisconnected)
	d.session.setStatus(LayerEndpoint, StatusDisconnected)
	d.session.Unlock()
	if err := replyErr(r); err != nil {
		d.log.Infof("%v", err)
	}
	return nil
}
