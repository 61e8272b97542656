package simcom

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type transitionRecord struct {
	layer      Layer
	prev, next ConnectionStatus
}

func TestSessionDefaults(t *testing.T) {
	t.Parallel()
	s := newSession(nil).Snapshot()
	assert.Equal(t, StatusDisconnected, s.NetworkStatus)
	assert.Equal(t, StatusDisconnected, s.EndpointStatus)
	assert.Equal(t, StatusDisconnected, s.TopicStatus)
	assert.Equal(t, DefaultOperator, s.Operator)
	assert.Equal(t, DefaultAddress, s.IPAddress)
	assert.Equal(t, "", s.SubscribeTopic)
}

func TestSessionApplyAddress(t *testing.T) {
	t.Parallel()
	var got []transitionRecord
	s := newSession(func(layer Layer, prev, next ConnectionStatus) {
		got = append(got, transitionRecord{layer, prev, next})
	})
	s.Lock()
	defer s.Unlock()

	s.apply(Parse(`+CNACT: 1,"10.0.0.4"`))
	assert.Equal(t, "10.0.0.4", s.address)
	assert.Equal(t, StatusConnected, s.Status(LayerNetwork))

	// latched within the attempt
	s.apply(Parse(`+CNACT: 0,0,"0.0.0.0"`))
	s.apply(Parse(`+CNACT: 0,1,"10.9.9.9"`))
	assert.Equal(t, "10.0.0.4", s.address)
	assert.Equal(t, StatusConnected, s.Status(LayerNetwork))
	assert.Equal(t, []transitionRecord{{LayerNetwork, StatusDisconnected, StatusConnected}}, got)

	// still connected, a new attempt keeps the latch
	s.beginAttempt()
	s.apply(Parse(`+CNACT: 0,0,"0.0.0.0"`))
	assert.Equal(t, "10.0.0.4", s.address)

	s.networkDown()
	assert.Equal(t, DefaultAddress, s.address)
	assert.Equal(t, StatusDisconnected, s.Status(LayerNetwork))
	s.apply(Parse(`+CNACT: 0,1,"10.0.0.5"`))
	assert.Equal(t, "10.0.0.5", s.address)
}

func TestSessionApplyDefaultAddress(t *testing.T) {
	t.Parallel()
	s := newSession(nil)
	s.Lock()
	s.apply(Parse(`+CNACT: 0,0,"0.0.0.0"`))
	s.apply(Parse(`+CNACT: 0,0`))
	s.Unlock()
	snap := s.Snapshot()
	assert.Equal(t, DefaultAddress, snap.IPAddress)
	assert.Equal(t, StatusDisconnected, snap.NetworkStatus)
}

func TestSessionApplyOperator(t *testing.T) {
	t.Parallel()
	s := newSession(nil)
	s.Lock()
	s.apply(Parse(`+COPS: 0,0,"Orange",9`))
	s.apply(Parse(`+COPS: 0`))
	s.apply(Parse("ERROR"))
	s.apply(Parse("garbage"))
	s.Unlock()
	snap := s.Snapshot()
	assert.Equal(t, "Orange", snap.Operator)
	assert.Equal(t, StatusDisconnected, snap.NetworkStatus)
}

func TestSessionStatusRequiresLock(t *testing.T) {
	t.Parallel()
	s := newSession(nil)
	assert.Panics(t, func() { s.Status(LayerNetwork) })
	assert.Equal(t, StatusDisconnected, s.StatusSync(LayerTopic))
}

func TestConnectionStatusString(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status ConnectionStatus
		expect string
	}{
		{StatusDisconnected, "Disconnected"},
		{StatusConnected, "Connected"},
		{StatusError, "Error"},
		{ConnectionStatus(99), "Unknown"},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, c.status.String())
	}
	b, err := StatusConnected.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "Connected", string(b))
}

func TestParseSystemMode(t *testing.T) {
	t.Parallel()
	m, err := ParseSystemMode("nb-iot")
	assert.NoError(t, err)
	assert.Equal(t, ModeLTENB, m)
	assert.Equal(t, "LTE-NB", m.String())
	m, err = ParseSystemMode("cat-m")
	assert.NoError(t, err)
	assert.Equal(t, 7, int(m))
	_, err = ParseSystemMode("5g")
	assert.Error(t, err)
}
