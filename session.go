package simcom

import (
	"sync"
)

// Session is the mutable connection record owned by a Driver.
// All mutation happens with the embedded lock held; the inbound loop and
// the command path are the only writers.
type Session struct {
	sync.Mutex
	network    ConnectionStatus
	endpoint   ConnectionStatus
	topic      ConnectionStatus
	operator   string
	address    string
	latched    bool
	subTopic   string
	pubTopic   string
	subscribed string
	transition StatusTransitionType
}

// SessionSnapshot is a copy of the session fields.
type SessionSnapshot struct {
	NetworkStatus  ConnectionStatus `json:"network_status"`
	EndpointStatus ConnectionStatus `json:"endpoint_status"`
	TopicStatus    ConnectionStatus `json:"topic_status"`
	Operator       string           `json:"operator"`
	IPAddress      string           `json:"ip_address"`
	SubscribeTopic string           `json:"subscribe_topic"`
	PublishTopic   string           `json:"publish_topic"`
	Subscribed     string           `json:"subscribed,omitempty"`
}

func newSession(transition StatusTransitionType) *Session {
	s := &Session{transition: transition}
	s.reset()
	return s
}

func (s *Session) checkLock() {
	if s.TryLock() {
		s.Unlock()
		panic("Session lock not held")
	}
}

func (s *Session) reset() {
	s.network = StatusDisconnected
	s.endpoint = StatusDisconnected
	s.topic = StatusDisconnected
	s.operator = DefaultOperator
	s.address = DefaultAddress
	s.latched = false
	s.subTopic = ""
	s.pubTopic = ""
	s.subscribed = ""
}

func (s *Session) status(layer Layer) ConnectionStatus {
	switch layer {
	case LayerNetwork:
		return s.network
	case LayerEndpoint:
		return s.endpoint
	default:
		return s.topic
	}
}

func (s *Session) setStatus(layer Layer, next ConnectionStatus) {
	prev := s.status(layer)
	if prev == next {
		return
	}
	switch layer {
	case LayerNetwork:
		s.network = next
	case LayerEndpoint:
		s.endpoint = next
	case LayerTopic:
		s.topic = next
	}
	if s.transition != nil {
		s.transition(layer, prev, next)
	}
}

// beginAttempt reopens the address latch for a new connection attempt.
func (s *Session) beginAttempt() {
	if s.network == StatusConnected {
		return
	}
	s.address = DefaultAddress
	s.latched = false
}

// apply records a parsed fact. Error markers and unrecognized text never
// change the session.
func (s *Session) apply(r ParsedResponse) {
	switch r.Kind {
	case OperatorInfo:
		if r.Value != "" {
			s.operator = r.Value
		}
	case NetworkAddress:
		if s.latched {
			return
		}
		if r.Value == "" || r.Value == DefaultAddress {
			s.setStatus(LayerNetwork, StatusDisconnected)
			return
		}
		s.address = r.Value
		s.latched = true
		s.setStatus(LayerNetwork, StatusConnected)
	}
}

func (s *Session) networkDown() {
	s.address = DefaultAddress
	s.latched = false
	s.setStatus(LayerNetwork, StatusDisconnected)
}

func (s *Session) snapshot() SessionSnapshot {
	return SessionSnapshot{
		NetworkStatus:  s.network,
		EndpointStatus: s.endpoint,
		TopicStatus:    s.topic,
		Operator:       s.operator,
		IPAddress:      s.address,
		SubscribeTopic: s.subTopic,
		PublishTopic:   s.pubTopic,
		Subscribed:     s.subscribed,
	}
}

// Snapshot returns a copy of the session fields with automatic lock management.
func (s *Session) Snapshot() SessionSnapshot {
	s.Lock()
	defer s.Unlock()
	return s.snapshot()
}

// Status returns the status of one layer.
// The session lock must be held before calling this method.
// Use StatusSync for automatic lock management.
func (s *Session) Status(layer Layer) ConnectionStatus {
	s.checkLock()
	return s.status(layer)
}

// StatusSync returns the status of one layer with automatic lock management.
func (s *Session) StatusSync(layer Layer) ConnectionStatus {
	s.Lock()
	defer s.Unlock()
	return s.status(layer)
}
