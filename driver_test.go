package simcom

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jaracil/simcom/log2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModem is a Transport answering synchronously through Driver.Ingest.
type fakeModem struct {
	mu     sync.Mutex
	d      *Driver
	writes []string
	answer func(cmd string) string
	fail   error
}

func (m *fakeModem) Write(p []byte) (int, error) {
	m.mu.Lock()
	m.writes = append(m.writes, string(p))
	fail, answer, d := m.fail, m.answer, m.d
	m.mu.Unlock()
	if fail != nil {
		return 0, fail
	}
	if resp := answer(string(p)); resp != "" {
		d.Ingest([]byte(resp))
	}
	return len(p), nil
}

func (m *fakeModem) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.writes...)
}

func (m *fakeModem) ClearWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = nil
}

func (m *fakeModem) Count(w string) int {
	n := 0
	for _, x := range m.Writes() {
		if x == w {
			n++
		}
	}
	return n
}

func (m *fakeModem) SetAnswer(fn func(cmd string) string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answer = fn
}

func (m *fakeModem) SetFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

const (
	replyOK = "\r\nOK\r\n"
	replyER = "\r\nERROR\r\n"
)

func modemAnswer(cmd string) string {
	switch c := strings.TrimSuffix(cmd, "\r"); {
	case c == "AT+CSQ":
		return "\r\n+CSQ: 20,99\r\n" + replyOK
	case c == "AT+COPS?":
		return "\r\n+COPS: 0,0,\"Orange\",9\r\n" + replyOK
	case c == "AT+CNACT?":
		return "\r\n+CNACT: 0,1,\"10.0.0.4\"\r\n" + replyOK
	case strings.HasPrefix(c, "AT+SMPUB="):
		return "\r\n> "
	}
	return replyOK
}

// answerWith overrides the answer to commands starting with prefix.
func answerWith(prefix, resp string) func(string) string {
	return func(cmd string) string {
		if strings.HasPrefix(cmd, prefix) {
			return resp
		}
		return modemAnswer(cmd)
	}
}

type transitions struct {
	mu   sync.Mutex
	list []transitionRecord
}

func (tr *transitions) record(layer Layer, prev, next ConnectionStatus) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.list = append(tr.list, transitionRecord{layer, prev, next})
}

func (tr *transitions) get() []transitionRecord {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]transitionRecord(nil), tr.list...)
}

func newTestDriver(t testing.TB, answer func(string) string, opts ...func(*Config)) (*Driver, *fakeModem) {
	if answer == nil {
		answer = modemAnswer
	}
	m := &fakeModem{answer: answer}
	cfg := &Config{
		Transport:  m,
		Settle:     200 * time.Millisecond,
		LongSettle: 300 * time.Millisecond,
		Log:        log2.NewTest(t, log2.LDebug),
	}
	for _, o := range opts {
		o(cfg)
	}
	d, err := NewDriver(cfg)
	require.NoError(t, err)
	m.d = d
	t.Cleanup(d.Close)
	return d, m
}

func connectNetwork(t testing.TB, d *Driver) {
	out := d.NetworkConnect(context.Background(), "iot.test")
	require.True(t, out.Success, out.String())
}

func connectEndpoint(t testing.TB, d *Driver) {
	connectNetwork(t, d)
	out := d.EndpointConnect(context.Background(), EndpointConfig{ClientID: "x", URL: "broker.test", Port: 1883})
	require.True(t, out.Success, out.String())
}

func TestNewDriver(t *testing.T) {
	t.Parallel()
	_, err := NewDriver(nil)
	assert.Equal(t, ErrConfigRequired, err)
	_, err = NewDriver(&Config{})
	assert.Equal(t, ErrConfigRequired, err)
	_, err = NewDriver(&Config{Transport: &fakeModem{}, Charset: "no-such-charset"})
	assert.Error(t, err)

	d, err := NewDriver(&Config{Transport: &fakeModem{}})
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, DefaultRetry, d.cfg.Retry)
	assert.Equal(t, DefaultSettle, d.cfg.Settle)
	assert.Equal(t, DefaultLongSettle, d.cfg.LongSettle)
}

func TestDriver_SetSystemMode(t *testing.T) {
	t.Parallel()
	d, m := newTestDriver(t, nil)
	ctx := context.Background()
	require.NoError(t, d.SetSystemMode(ctx, ModeLTENB, true))
	require.NoError(t, d.SetSystemMode(ctx, ModeGSM, false))
	assert.Equal(t, []string{"AT+CNSMOD=1,9\r", "AT+CNSMOD=0,1\r"}, m.Writes())

	m.SetAnswer(answerWith("AT+CNSMOD", replyER))
	err := d.SetSystemMode(ctx, ModeLTEM1, false)
	assert.Equal(t, ErrProtocol, errors.Cause(err))
}

func TestDriver_NetworkConnect(t *testing.T) {
	t.Parallel()
	var tr transitions
	d, m := newTestDriver(t, nil, func(c *Config) { c.StatusTransition = tr.record })

	out := d.NetworkConnect(context.Background(), "iot.test")
	require.True(t, out.Success, out.String())
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, []string{
		"AT+CSQ\r",
		"AT+COPS?\r",
		"AT+CGNAPN\r",
		"AT+CGDCONT=1,\"IP\",\"iot.test\"\r",
		"AT+CNACT=0,2\r",
		"AT+CNACT?\r",
	}, m.Writes())

	s := d.Session()
	assert.Equal(t, StatusConnected, s.NetworkStatus)
	assert.Equal(t, "10.0.0.4", s.IPAddress)
	assert.Equal(t, "Orange", s.Operator)
	assert.Equal(t, []transitionRecord{{LayerNetwork, StatusDisconnected, StatusConnected}}, tr.get())
	assert.Equal(t, int64(6), d.Metrics().Commands)
}

func TestDriver_NetworkConnectEmptyAPN(t *testing.T) {
	t.Parallel()
	d, m := newTestDriver(t, nil)
	out := d.NetworkConnect(context.Background(), "")
	assert.True(t, out.Aborted())
	assert.True(t, errors.IsNotValid(out.Err))
	assert.Empty(t, m.Writes())
}

func TestDriver_QuotedArguments(t *testing.T) {
	t.Parallel()
	d, m := newTestDriver(t, nil)
	ctx := context.Background()
	out := d.NetworkConnect(ctx, `iot"test`)
	assert.True(t, out.Aborted())
	assert.True(t, errors.IsNotValid(out.Err))
	assert.Empty(t, m.Writes())

	connectNetwork(t, d)
	m.ClearWrites()
	ep := EndpointConfig{ClientID: "x", URL: "broker.test", Port: 1883}
	cases := []struct {
		name string
		edit func(*EndpointConfig)
	}{
		{"client-id", func(ep *EndpointConfig) { ep.ClientID = `x"` }},
		{"url", func(ep *EndpointConfig) { ep.URL = "broker.test\rAT+CFUN=0" }},
		{"username", func(ep *EndpointConfig) { ep.Username = "user\n" }},
		{"password", func(ep *EndpointConfig) { ep.Password = `se"cret` }},
	}
	for _, c := range cases {
		bad := ep
		c.edit(&bad)
		out := d.EndpointConnect(ctx, bad)
		assert.True(t, errors.IsNotValid(out.Err), c.name)
		assert.Equal(t, 0, out.Attempts, c.name)
	}
	out = d.EndpointConnect(ctx, EndpointConfig{ClientID: "x", URL: "broker.test", Port: 1883, Password: `se"cret`})
	assert.NotContains(t, out.Err.Error(), "cret")
	assert.Empty(t, m.Writes())
	assert.Equal(t, StatusDisconnected, d.Session().EndpointStatus)
}

func TestDriver_NetworkConnectWriteFailures(t *testing.T) {
	t.Parallel()
	d, m := newTestDriver(t, nil)
	m.SetFail(errors.New("uart fault"))

	out := d.NetworkConnect(context.Background(), "iot.test")
	assert.True(t, out.Exhausted())
	assert.False(t, out.Success)
	assert.Equal(t, 3, out.Attempts)
	assert.True(t, IsTransportError(out.Err), "err=%v", out.Err)
	assert.Equal(t, []string{"AT+CSQ\r", "AT+CSQ\r", "AT+CSQ\r"}, m.Writes())
	assert.Equal(t, StatusDisconnected, d.Session().NetworkStatus)
}

func TestDriver_NetworkConnectDeactivateOnRetry(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		keepActive bool
		expect     int
	}{
		{"deactivate", false, 1},
		{"keep-active", true, 0},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			d, m := newTestDriver(t, answerWith("AT+CNACT?", "\r\n+CNACT: 0,0,\"0.0.0.0\"\r\n"+replyOK),
				func(cfg *Config) { cfg.KeepActiveOnRetry = c.keepActive })
			out := d.NetworkConnect(context.Background(), "iot.test")
			assert.True(t, out.Exhausted())
			assert.Equal(t, 3, out.Attempts)
			assert.Equal(t, c.expect, m.Count("AT+CNACT=0,0\r"))
			assert.Equal(t, 3, m.Count("AT+CNACT?\r"))
			assert.Equal(t, StatusDisconnected, d.Session().NetworkStatus)
		})
	}
}

func TestDriver_NetworkConnectLateAddress(t *testing.T) {
	t.Parallel()
	attempt := 0
	d, m := newTestDriver(t, func(cmd string) string {
		if cmd == "AT+CNACT?\r" {
			attempt++
			if attempt < 2 {
				return "\r\n+CNACT: 0,0,\"0.0.0.0\"\r\n" + replyOK
			}
		}
		return modemAnswer(cmd)
	})
	out := d.NetworkConnect(context.Background(), "iot.test")
	require.True(t, out.Success, out.String())
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 0, m.Count("AT+CNACT=0,0\r"))

	// latched: a default address report does not reset it
	d.Ingest([]byte("+CNACT: 0,0,\"0.0.0.0\"\r\n"))
	d.sync()
	assert.Equal(t, "10.0.0.4", d.Session().IPAddress)
	assert.Equal(t, StatusConnected, d.Session().NetworkStatus)
}

func TestDriver_NetworkDisconnect(t *testing.T) {
	t.Parallel()
	var tr transitions
	d, m := newTestDriver(t, nil, func(c *Config) { c.StatusTransition = tr.record })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		m.ClearWrites()
		require.NoError(t, d.NetworkDisconnect(ctx))
		assert.Equal(t, []string{"AT+CNACT=0,0\r"}, m.Writes())
		assert.Equal(t, StatusDisconnected, d.Session().NetworkStatus)
	}
	assert.Empty(t, tr.get())

	connectNetwork(t, d)
	require.NoError(t, d.NetworkDisconnect(ctx))
	s := d.Session()
	assert.Equal(t, StatusDisconnected, s.NetworkStatus)
	assert.Equal(t, DefaultAddress, s.IPAddress)

	m.SetFail(errors.New("uart fault"))
	assert.True(t, IsTransportError(d.NetworkDisconnect(ctx)))
}

func TestDriver_Guards(t *testing.T) {
	t.Parallel()
	d, m := newTestDriver(t, nil)
	ctx := context.Background()
	ep := EndpointConfig{ClientID: "x", URL: "broker.test", Port: 1883}

	out := d.EndpointConnect(ctx, ep)
	assert.True(t, out.Aborted())
	assert.Equal(t, 0, out.Attempts)
	assert.Equal(t, ErrNotReady, errors.Cause(out.Err))

	out = d.Subscribe(ctx, "devices/x/messages/devicebound/#")
	assert.Equal(t, ErrNotReady, errors.Cause(out.Err))
	out = d.Unsubscribe(ctx, "devices/x/messages/devicebound/#")
	assert.Equal(t, ErrNotReady, errors.Cause(out.Err))
	assert.Equal(t, ErrNotReady, errors.Cause(d.Publish(ctx, "devices/x/messages/events/", "hello")))
	assert.Equal(t, ErrNotReady, errors.Cause(d.SendMessage(ctx, "hello")))
	assert.Equal(t, ErrNotReady, errors.Cause(d.EndpointDisconnect(ctx)))
	assert.Empty(t, m.Writes())

	connectNetwork(t, d)
	m.ClearWrites()
	out = d.Subscribe(ctx, "devices/x/messages/devicebound/#")
	assert.Equal(t, ErrNotReady, errors.Cause(out.Err))
	assert.Equal(t, ErrNotReady, errors.Cause(d.Publish(ctx, "devices/x/messages/events/", "hello")))
	assert.Empty(t, m.Writes())
}

func TestDriver_EndpointConnect(t *testing.T) {
	t.Parallel()
	d, m := newTestDriver(t, nil)
	connectNetwork(t, d)
	m.ClearWrites()

	out := d.EndpointConnect(context.Background(), EndpointConfig{
		ClientID: "x",
		URL:      "broker.test",
		Port:     1883,
		Username: "user",
		Password: "secret",
	})
	require.True(t, out.Success, out.String())
	assert.Equal(t, []string{
		"AT+SMCONF=\"CLIENTID\",\"x\"\r",
		"AT+SMCONF=\"KEEPTIME\",60\r",
		"AT+SMCONF=\"URL\",\"broker.test\",\"1883\"\r",
		"AT+SMCONF=\"CLEANSS\",1\r",
		"AT+SMCONF=\"QOS\",1\r",
		"AT+SMCONF=\"USERNAME\",\"user\"\r",
		"AT+SMCONF=\"PASSWORD\",\"secret\"\r",
		"AT+SMCONN\r",
	}, m.Writes())

	s := d.Session()
	assert.Equal(t, StatusConnected, s.EndpointStatus)
	assert.Equal(t, "devices/x/messages/devicebound/#", s.SubscribeTopic)
	assert.Equal(t, "devices/x/messages/events/", s.PublishTopic)
}

func TestDriver_EndpointConnectFailure(t *testing.T) {
	t.Parallel()
	d, m := newTestDriver(t, answerWith("AT+SMCONN", replyER))
	connectNetwork(t, d)
	out := d.EndpointConnect(context.Background(), EndpointConfig{ClientID: "x", URL: "broker.test", Port: 1883})
	assert.True(t, out.Exhausted())
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, ErrProtocol, errors.Cause(out.Err))
	assert.Equal(t, 3, m.Count("AT+CEDUMP=1\r"))

	s := d.Session()
	assert.Equal(t, StatusError, s.EndpointStatus)
	assert.Equal(t, "", s.PublishTopic)
}

func TestDriver_ConnectAzureIoTHub(t *testing.T) {
	t.Parallel()
	d, m := newTestDriver(t, nil)
	connectNetwork(t, d)
	out := d.ConnectAzureIoTHub(context.Background(), "dev1", "hub1", "SharedAccessSignature sr=hub1")
	require.True(t, out.Success, out.String())

	w := m.Writes()
	assert.Contains(t, w, "AT+SMCONF=\"URL\",\"hub1.azure-devices.net\",\"8883\"\r")
	assert.Contains(t, w, "AT+SMCONF=\"USERNAME\",\"hub1.azure-devices.net/dev1/?api-version=2021-04-12\"\r")
	assert.Contains(t, w, "AT+SMCONF=\"PASSWORD\",\"SharedAccessSignature sr=hub1\"\r")
	assert.Equal(t, "devices/dev1/messages/events/", d.Session().PublishTopic)
}

func TestDriver_Publish(t *testing.T) {
	t.Parallel()
	d, m := newTestDriver(t, nil)
	ctx := context.Background()
	connectEndpoint(t, d)

	m.ClearWrites()
	require.NoError(t, d.Publish(ctx, "devices/x/messages/events/", "hello"))
	assert.Equal(t, []string{"AT+SMPUB=\"devices/x/messages/events/\",5,1,1\r", "hello"}, m.Writes())

	m.ClearWrites()
	require.NoError(t, d.SendMessage(ctx, "привет"))
	assert.Equal(t, []string{"AT+SMPUB=\"devices/x/messages/events/\",12,1,1\r", "привет"}, m.Writes())

	m.ClearWrites()
	assert.True(t, errors.IsNotValid(d.Publish(ctx, "devices/x/#", "hello")))
	assert.True(t, errors.IsNotValid(d.Publish(ctx, "a\"b", "hello")))
	assert.Empty(t, m.Writes())

	m.SetAnswer(answerWith("AT+SMPUB=", replyER))
	err := d.Publish(ctx, "devices/x/messages/events/", "hello")
	assert.Equal(t, ErrProtocol, errors.Cause(err))
	assert.Equal(t, 1, len(m.Writes()))
}

// echoAnswer repeats command lines before answering, as a modem with ATE1 does.
func echoAnswer(cmd string) string {
	if !strings.HasSuffix(cmd, "\r") {
		return modemAnswer(cmd)
	}
	return cmd + "\r\n" + modemAnswer(cmd)
}

func TestDriver_EchoedMarkers(t *testing.T) {
	t.Parallel()
	d, m := newTestDriver(t, echoAnswer)
	ctx := context.Background()
	connectNetwork(t, d)

	out := d.EndpointConnect(ctx, EndpointConfig{ClientID: "ERRORS", URL: "broker.test", Port: 1883, Username: "+COPS: 0,0,Evil"})
	require.True(t, out.Success, out.String())
	assert.Equal(t, 1, out.Attempts)

	m.ClearWrites()
	require.NoError(t, d.Publish(ctx, "devices/ERRORS/messages/events/", "hello"))
	assert.Equal(t, []string{"AT+SMPUB=\"devices/ERRORS/messages/events/\",5,1,1\r", "hello"}, m.Writes())

	s := d.Session()
	assert.Equal(t, "Orange", s.Operator)
	assert.Equal(t, "10.0.0.4", s.IPAddress)
	assert.Equal(t, StatusConnected, s.EndpointStatus)
	assert.Equal(t, int64(0), d.Metrics().ProtocolErrors)
	assert.Equal(t, int64(0), d.Metrics().Timeouts)
}

func TestDriver_PublishCanceledAtPrompt(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d, m := newTestDriver(t, nil)
	connectEndpoint(t, d)

	// the prompt shows up after the caller gave up
	m.SetAnswer(func(cmd string) string {
		if strings.HasPrefix(cmd, "AT+SMPUB=") {
			cancel()
			return "\r\n> "
		}
		return modemAnswer(cmd)
	})
	m.ClearWrites()
	require.NoError(t, d.Publish(ctx, "devices/x/messages/events/", "hello"))
	assert.Equal(t, []string{"AT+SMPUB=\"devices/x/messages/events/\",5,1,1\r", "hello"}, m.Writes())

	// not started at all
	m.ClearWrites()
	assert.Equal(t, context.Canceled, errors.Cause(d.Publish(ctx, "devices/x/messages/events/", "hello")))
	assert.Empty(t, m.Writes())
}

func TestDriver_SubscribeUnsubscribe(t *testing.T) {
	t.Parallel()
	d, m := newTestDriver(t, nil)
	ctx := context.Background()
	connectEndpoint(t, d)
	sub := d.Session().SubscribeTopic

	m.ClearWrites()
	out := d.Subscribe(ctx, sub)
	require.True(t, out.Success, out.String())
	assert.Equal(t, []string{"AT+SMSUB=\"devices/x/messages/devicebound/#\",1\r"}, m.Writes())
	s := d.Session()
	assert.Equal(t, StatusConnected, s.TopicStatus)
	assert.Equal(t, sub, s.Subscribed)

	m.ClearWrites()
	out = d.Unsubscribe(ctx, sub)
	require.True(t, out.Success, out.String())
	assert.Equal(t, []string{"AT+SMUNSUB=\"devices/x/messages/devicebound/#\"\r"}, m.Writes())
	s = d.Session()
	assert.Equal(t, StatusDisconnected, s.TopicStatus)
	assert.Equal(t, "", s.Subscribed)

	out = d.Subscribe(ctx, "bad/#/topic")
	assert.True(t, errors.IsNotValid(out.Err))

	m.SetAnswer(answerWith("AT+SMSUB=", replyER))
	out = d.Subscribe(ctx, sub)
	assert.True(t, out.Exhausted())
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, StatusError, d.Session().TopicStatus)
}

func TestDriver_EndpointDisconnect(t *testing.T) {
	t.Parallel()
	d, m := newTestDriver(t, nil)
	ctx := context.Background()
	connectEndpoint(t, d)
	require.True(t, d.Subscribe(ctx, d.Session().SubscribeTopic).Success)

	m.ClearWrites()
	assert.Equal(t, ErrNotReady, errors.Cause(d.EndpointDisconnect(ctx)))
	assert.Empty(t, m.Writes())

	require.NoError(t, d.NetworkDisconnect(ctx))
	require.NoError(t, d.EndpointDisconnect(ctx))
	assert.Equal(t, []string{
		"AT+CNACT=0,0\r",
		"AT+SMUNSUB=\"devices/x/messages/devicebound/#\"\r",
		"AT+SMDISC\r",
	}, m.Writes())
	s := d.Session()
	assert.Equal(t, StatusDisconnected, s.NetworkStatus)
	assert.Equal(t, StatusDisconnected, s.EndpointStatus)
	assert.Equal(t, StatusDisconnected, s.TopicStatus)

	assert.Equal(t, ErrNotReady, errors.Cause(d.EndpointDisconnect(ctx)))
}

func TestDriver_Replies(t *testing.T) {
	t.Parallel()
	silentCSQ := answerWith("AT+CSQ", "")
	cases := []struct {
		name   string
		strict bool
		ok     bool
	}{
		{"lenient", false, true},
		{"strict", true, false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			d, _ := newTestDriver(t, silentCSQ, func(cfg *Config) {
				cfg.StrictReplies = c.strict
				cfg.Retry = 2
				cfg.Settle = 20 * time.Millisecond
			})
			out := d.NetworkConnect(context.Background(), "iot.test")
			assert.Equal(t, c.ok, out.Success, out.String())
			if !c.ok {
				assert.True(t, out.Exhausted())
				assert.True(t, errors.IsTimeout(out.Err))
				assert.Equal(t, int64(2), d.Metrics().Timeouts)
			}
		})
	}
}

func TestDriver_Closed(t *testing.T) {
	t.Parallel()
	d, m := newTestDriver(t, nil)
	d.Close()
	out := d.NetworkConnect(context.Background(), "iot.test")
	assert.True(t, out.Aborted())
	assert.Equal(t, ErrClosed, errors.Cause(out.Err))
	assert.Empty(t, m.Writes())
}

func TestDriver_Reset(t *testing.T) {
	t.Parallel()
	d, _ := newTestDriver(t, nil)
	connectEndpoint(t, d)
	d.Reset()
	s := d.Session()
	assert.Equal(t, StatusDisconnected, s.NetworkStatus)
	assert.Equal(t, StatusDisconnected, s.EndpointStatus)
	assert.Equal(t, DefaultOperator, s.Operator)
	assert.Equal(t, DefaultAddress, s.IPAddress)
	assert.Equal(t, "", s.PublishTopic)
}
