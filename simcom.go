// Package simcom drives a SIMCom SIM70xx class cellular modem (NB-IoT/LTE-M)
// over a line oriented serial link and brings up an MQTT session on the
// modem's built-in client.
//
// The Driver issues AT commands one at a time through a correlated command
// channel: every command gets a sequence number and a pending entry which is
// completed by the inbound path when the modem answers with a final result
// code (OK, ERROR or the ">" prompt), or expires after the command's settle
// delay. Inbound bytes are handed to Driver.Ingest by the transport; they are
// split into lines, parsed into facts (operator, IP address, error markers)
// and applied to the Session by a single consumer goroutine.
//
// Example usage:
//
//	tr, err := simcom.OpenSerial("/dev/ttyUSB0", 115200, log)
//	if err != nil {
//		log.Fatalf("%v", err)
//	}
//	d, err := simcom.NewDriver(&simcom.Config{Transport: tr, Log: log})
//	if err != nil {
//		log.Fatalf("%v", err)
//	}
//	tr.Start(d.Ingest)
//	defer d.Close()
//	out := d.NetworkConnect(ctx, "iot.provider.com")
package simcom

import (
	"fmt"
	"time"

	"github.com/jaracil/simcom/log2"
	"github.com/juju/errors"
)

var (
	// ErrConfigRequired is returned when a required configuration parameter is missing
	ErrConfigRequired = errors.New("config required")
	// ErrClosed is returned when the transport or the driver is closed
	ErrClosed = errors.New("closed")
	// ErrNotReady is returned when a layer below the requested operation is not connected
	ErrNotReady = errors.New("not ready")
	// ErrProtocol is returned when the modem answered a command with an error marker
	ErrProtocol = errors.New("modem error")
)

// TransportError reports a failed write on the underlying channel.
type TransportError struct {
	Command string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport write command=%q: %v", e.Command, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether the cause of err is a TransportError.
func IsTransportError(err error) bool {
	_, ok := errors.Cause(err).(*TransportError)
	return ok
}

// ConnectionStatus is the state of one connection layer (network, endpoint, topic).
type ConnectionStatus int

const (
	// StatusDisconnected is the initial state of every layer
	StatusDisconnected ConnectionStatus = iota
	// StatusConnected means the layer is up
	StatusConnected
	// StatusError means the last attempt failed, retried like StatusDisconnected
	StatusError
)

func (cs ConnectionStatus) String() string {
	switch cs {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// MarshalText renders the status name in JSON documents.
func (cs ConnectionStatus) MarshalText() ([]byte, error) {
	return []byte(cs.String()), nil
}

// SystemMode selects the radio access technology.
// The numeric value is the code the modem uses for AT+CNSMOD.
type SystemMode int

const (
	// ModeGSM is 2G GSM
	ModeGSM SystemMode = 1
	// ModeEGPRS is 2.5G EDGE
	ModeEGPRS SystemMode = 3
	// ModeLTEM1 is LTE Cat-M1
	ModeLTEM1 SystemMode = 7
	// ModeLTENB is LTE NB-IoT, the default
	ModeLTENB SystemMode = 9
)

func (m SystemMode) String() string {
	switch m {
	case ModeGSM:
		return "GSM"
	case ModeEGPRS:
		return "EGPRS"
	case ModeLTEM1:
		return "LTE-M1"
	case ModeLTENB:
		return "LTE-NB"
	default:
		return "Unknown"
	}
}

// ParseSystemMode converts a mode name to a SystemMode.
func ParseSystemMode(s string) (SystemMode, error) {
	switch s {
	case "gsm", "GSM":
		return ModeGSM, nil
	case "egprs", "EGPRS":
		return ModeEGPRS, nil
	case "ltem1", "LTE-M1", "LTEM1", "cat-m":
		return ModeLTEM1, nil
	case "ltenb", "LTE-NB", "LTENB", "nb-iot":
		return ModeLTENB, nil
	}
	return 0, errors.NotValidf("system mode %q", s)
}

const (
	// DefaultRetry is the attempt budget of retried operations
	DefaultRetry = 3
	// DefaultSettle bounds the wait for an ordinary command's final result code
	DefaultSettle = 1000 * time.Millisecond
	// DefaultLongSettle bounds the wait for slow commands (AT+CNSMOD, AT+SMCONN)
	DefaultLongSettle = 5000 * time.Millisecond
	// DefaultAddress is the IP address of a network context without a bearer
	DefaultAddress = "0.0.0.0"
	// DefaultOperator is reported until the modem names the operator
	DefaultOperator = "Unknown"
)

// Config contains the configuration parameters for creating a new Driver.
// Transport is required, other fields have reasonable defaults.
type Config struct {
	// Transport receives the outgoing command lines (required)
	Transport Transport
	// Retry is the attempt budget of retried operations (default: 3)
	Retry int
	// Settle is the time a command may take to complete (default: 1s)
	Settle time.Duration
	// LongSettle is used for mode switch and endpoint connect (default: 5s)
	LongSettle time.Duration
	// StrictReplies makes a command without final result code fail its attempt
	StrictReplies bool
	// KeepActiveOnRetry disables the network deactivate issued on attempts beyond the 2nd
	KeepActiveOnRetry bool
	// Charset of inbound text, empty means UTF-8
	Charset string
	// Log is optional
	Log *log2.Log
	// StatusTransition is an optional callback for layer status changes
	StatusTransition StatusTransitionType
	// LineHook is an optional callback receiving every inbound line
	LineHook LineHookType
}

// LineHookType is called from the inbound loop before the line is parsed.
// It must not block or call back into the Driver.
type LineHookType func(line string)

// Layer names one of the three independent connection layers.
type Layer string

const (
	// LayerNetwork is the packet data bearer
	LayerNetwork Layer = "network"
	// LayerEndpoint is the MQTT session with the broker
	LayerEndpoint Layer = "endpoint"
	// LayerTopic is the subscription
	LayerTopic Layer = "topic"
)

// StatusTransitionType is called whenever a layer changes status.
// It runs with the session lock held and must not call back into the Driver.
type StatusTransitionType func(layer Layer, prev, next ConnectionStatus)
