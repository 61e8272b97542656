package simcom

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/jaracil/simcom/emu"
	"github.com/jaracil/simcom/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeEnd is one side of a full duplex in-memory link.
type pipeEnd struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeEnd) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeEnd) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeEnd) Close() error {
	p.r.Close()
	return p.w.Close()
}

func pipePair() (*pipeEnd, *pipeEnd) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &pipeEnd{r: r1, w: w2}, &pipeEnd{r: r2, w: w1}
}

// startEmulated wires a Driver to a virtual modem through a StreamTransport.
func startEmulated(t testing.TB, rwc func() (io.ReadWriteCloser, io.ReadWriteCloser), mc emu.Config) (*Driver, *emu.Modem) {
	modemSide, hostSide := rwc()
	log := log2.NewTest(t, log2.LDebug)
	mc.TTY = modemSide
	mc.Log = log.Clone(log2.LDebug, "emu ")
	modem, err := emu.NewModem(&mc)
	require.NoError(t, err)

	tr := NewStreamTransport(hostSide, log)
	d, err := NewDriver(&Config{
		Transport:  tr,
		Settle:     500 * time.Millisecond,
		LongSettle: time.Second,
		Log:        log,
	})
	require.NoError(t, err)
	tr.Start(d.Ingest)
	t.Cleanup(func() {
		d.Close()
		_ = tr.Close()
		modem.CloseSync()
	})
	return d, modem
}

func pipes() (io.ReadWriteCloser, io.ReadWriteCloser) {
	a, b := pipePair()
	return a, b
}

func TestEndToEnd(t *testing.T) {
	t.Parallel()
	d, modem := startEmulated(t, pipes, emu.Config{Id: "sim0", Operator: "Orange", Address: "10.0.0.4"})
	ctx := context.Background()

	require.NoError(t, d.SetSystemMode(ctx, ModeLTENB, false))

	out := d.NetworkConnect(ctx, "iot.test")
	require.True(t, out.Success, out.String())
	assert.Equal(t, 1, out.Attempts)
	s := d.Session()
	assert.Equal(t, "Orange", s.Operator)
	assert.Equal(t, "10.0.0.4", s.IPAddress)

	out = d.ConnectAzureIoTHub(ctx, "dev1", "hub1", "SharedAccessSignature sr=hub1")
	require.True(t, out.Success, out.String())
	assert.Equal(t, emu.StatusConnected, modem.StatusSync())

	out = d.Subscribe(ctx, d.Session().SubscribeTopic)
	require.True(t, out.Success, out.String())
	assert.Equal(t, []string{"devices/dev1/messages/devicebound/#"}, modem.SubscriptionsSync())

	require.NoError(t, d.SendMessage(ctx, "hello"))
	require.NoError(t, d.SendMessage(ctx, `{"t":21.5}`))
	assert.Equal(t, []emu.Message{
		{Topic: "devices/dev1/messages/events/", Payload: "hello", QoS: 1, Retain: 1},
		{Topic: "devices/dev1/messages/events/", Payload: `{"t":21.5}`, QoS: 1, Retain: 1},
	}, modem.PublishedSync())

	require.NoError(t, d.NetworkDisconnect(ctx))
	assert.False(t, modem.ActiveSync())
	require.NoError(t, d.EndpointDisconnect(ctx))
	assert.Equal(t, emu.StatusIdle, modem.StatusSync())
	assert.Empty(t, modem.SubscriptionsSync())

	s = d.Session()
	assert.Equal(t, StatusDisconnected, s.NetworkStatus)
	assert.Equal(t, StatusDisconnected, s.EndpointStatus)
	assert.Equal(t, StatusDisconnected, s.TopicStatus)
	m := d.Metrics()
	assert.Equal(t, int64(0), m.Timeouts)
	assert.Equal(t, int64(0), m.ProtocolErrors)
	assert.True(t, m.RxBytes > 0)
}

func TestEndToEndMarkersInArguments(t *testing.T) {
	t.Parallel()
	d, modem := startEmulated(t, pipes, emu.Config{Operator: "Orange"})
	ctx := context.Background()

	out := d.NetworkConnect(ctx, "iot.test")
	require.True(t, out.Success, out.String())
	out = d.EndpointConnect(ctx, EndpointConfig{ClientID: "dev1", URL: "broker.test", Port: 1883, Username: "ERROR +COPS:"})
	require.True(t, out.Success, out.String())
	assert.Equal(t, 1, out.Attempts)

	require.NoError(t, d.Publish(ctx, "devices/dev1/ERRORS", "hello"))
	require.NoError(t, d.SendMessage(ctx, "after"))
	assert.Equal(t, []emu.Message{
		{Topic: "devices/dev1/ERRORS", Payload: "hello", QoS: 1, Retain: 1},
		{Topic: "devices/dev1/messages/events/", Payload: "after", QoS: 1, Retain: 1},
	}, modem.PublishedSync())
	assert.Equal(t, "Orange", d.Session().Operator)
	assert.Equal(t, int64(0), d.Metrics().ProtocolErrors)
}

func TestEndToEndRetries(t *testing.T) {
	t.Parallel()
	d, modem := startEmulated(t, pipes, emu.Config{AttachAfter: 1, RejectConnect: 1})
	ctx := context.Background()

	out := d.NetworkConnect(ctx, "iot.test")
	require.True(t, out.Success, out.String())
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, emu.DefaultAddress, d.Session().IPAddress)

	out = d.EndpointConnect(ctx, EndpointConfig{ClientID: "dev2", URL: "broker.test", Port: 1883})
	require.True(t, out.Success, out.String())
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, int64(1), d.Metrics().ProtocolErrors)

	modem.Lock()
	assert.Equal(t, "broker.test,1883", modem.MqttConf("URL"))
	assert.Equal(t, "60", modem.MqttConf("KEEPTIME"))
	modem.Unlock()
}

func TestEndToEndModemGone(t *testing.T) {
	t.Parallel()
	d, modem := startEmulated(t, pipes, emu.Config{})
	modem.CloseSync()

	out := d.NetworkConnect(context.Background(), "iot.test")
	assert.False(t, out.Success)
	assert.True(t, out.Aborted() || out.Exhausted(), out.String())
	assert.Equal(t, StatusDisconnected, d.Session().NetworkStatus)
}
