// Package httpapi exposes modem session state and publishing over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/jaracil/simcom"
	"github.com/jaracil/simcom/log2"
	"github.com/juju/errors"
)

// MaxBody limits the publish payload read from a request.
const MaxBody = 10240

// Modem is the part of simcom.Driver the HTTP surface uses.
type Modem interface {
	Session() simcom.SessionSnapshot
	Metrics() simcom.Metrics
	Publish(ctx context.Context, topic, message string) error
}

type api struct {
	modem   Modem
	events  *Events
	log     *log2.Log
	timeout time.Duration
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewRouter returns the HTTP handler. events may be nil, then /ws is not served.
// Publish requests are bounded by timeout.
func NewRouter(modem Modem, events *Events, timeout time.Duration, log *log2.Log) http.Handler {
	a := &api{modem: modem, events: events, log: log, timeout: timeout}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", a.health)
	r.Get("/session", a.session)
	r.Get("/metrics", a.metrics)
	r.Post("/publish", a.publish)
	if events != nil {
		r.Get("/ws", a.stream)
	}
	return r
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// health is 200 while the network layer is connected, 503 otherwise.
func (a *api) health(w http.ResponseWriter, r *http.Request) {
	s := a.modem.Session()
	status := http.StatusOK
	if s.NetworkStatus != simcom.StatusConnected {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]simcom.ConnectionStatus{
		"network":  s.NetworkStatus,
		"endpoint": s.EndpointStatus,
		"topic":    s.TopicStatus,
	})
}

func (a *api) session(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.modem.Session())
}

func (a *api) metrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.modem.Metrics())
}

func publishStatus(err error) int {
	cause := errors.Cause(err)
	switch {
	case errors.IsNotValid(cause):
		return http.StatusBadRequest
	case cause == simcom.ErrNotReady:
		return http.StatusConflict
	case errors.IsTimeout(cause):
		return http.StatusGatewayTimeout
	case cause == simcom.ErrClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// publish sends the request body to ?topic=, default is the session publish topic.
func (a *api) publish(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = a.modem.Session().PublishTopic
	}
	if topic == "" {
		respondError(w, http.StatusConflict, errors.Annotate(simcom.ErrNotReady, "no publish topic"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBody))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	if len(body) == 0 {
		respondError(w, http.StatusBadRequest, errors.NotValidf("empty payload"))
		return
	}
	ctx := r.Context()
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	if err := a.modem.Publish(ctx, topic, string(body)); err != nil {
		a.log.Errorf("http publish topic=%s err=%v", topic, err)
		respondError(w, publishStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"topic": topic, "length": len(body)})
}

// stream sends every inbound modem line as a websocket text message.
func (a *api) stream(w http.ResponseWriter, r *http.Request) {
	ch, cancel := a.events.Subscribe(100)
	defer cancel()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
