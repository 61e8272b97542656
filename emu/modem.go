// Package emu provides a virtual SIM70xx modem. It answers the AT command
// vocabulary used by the simcom driver over any io.ReadWriteCloser (pipe,
// pseudo-terminal, serial loopback) and keeps enough state to behave like a
// real module: packet data bearer, MQTT client configuration, subscriptions
// and published messages.
//
// The core component is the Modem struct which implements a small state
// machine for the MQTT client: Idle, Connected, Payload and Closed. The
// packet data bearer is tracked separately because the module keeps its
// MQTT session record across a bearer deactivation.
//
// Example usage:
//
//	config := &emu.Config{
//		Id:       "sim7080",
//		TTY:      ttyDevice,
//		Operator: "Orange",
//	}
//	modem, err := emu.NewModem(config)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer modem.CloseSync()
package emu

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jaracil/simcom/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

var (
	// ErrConfigRequired is returned when a required configuration parameter is missing
	ErrConfigRequired = errors.New("config required")
	// ErrInvalidStateTransition is returned when an invalid state transition is attempted
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// ModemStatus represents the state of the modem MQTT client.
type ModemStatus int

const (
	// StatusIdle is the initial state, the MQTT client is not connected
	StatusIdle ModemStatus = iota
	// StatusConnected means the MQTT client is connected to the broker
	StatusConnected
	// StatusPayload means the modem sent the ">" prompt and is reading publish data
	StatusPayload
	// StatusClosed is the terminal state where the modem is permanently closed
	StatusClosed
)

// String returns a human-readable string representation of the modem status.
func (ms ModemStatus) String() string {
	switch ms {
	case StatusIdle:
		return "Idle"
	case StatusConnected:
		return "Connected"
	case StatusPayload:
		return "Payload"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// RetCode represents the final result of AT command processing.
type RetCode int

const (
	// RetCodeOk indicates successful command execution
	RetCodeOk RetCode = iota
	// RetCodeError indicates command execution failed
	RetCodeError
	// RetCodeSilent indicates no response should be sent
	RetCodeSilent
	// RetCodePrompt indicates the ">" data prompt must be sent
	RetCodePrompt
	// RetCodeSkip indicates the command should be processed by the default handler
	RetCodeSkip
	// RetCodeUnknown indicates an unrecognized return code
	RetCodeUnknown
)

// CmdReturnFromString converts a string representation of a modem response
// to its corresponding RetCode. It performs case-insensitive matching.
func CmdReturnFromString(s string) RetCode {
	switch strings.ToUpper(s) {
	case "OK":
		return RetCodeOk
	case "ERROR":
		return RetCodeError
	case "SILENT":
		return RetCodeSilent
	case ">", "PROMPT":
		return RetCodePrompt
	case "SKIP":
		return RetCodeSkip
	default:
		return RetCodeUnknown
	}
}

const (
	// DefaultOperator is the operator name reported by AT+COPS?
	DefaultOperator = "Emulated"
	// DefaultAddress is the bearer address reported once active
	DefaultAddress = "10.64.0.2"
	// DefaultSignal is the rssi reported by AT+CSQ
	DefaultSignal = 20
	// MaxPayload is the largest publish payload accepted by AT+SMPUB
	MaxPayload = 10240
	maxLine    = 1500
)

// Message is one payload published through AT+SMPUB.
type Message struct {
	Topic   string
	Payload string
	QoS     int
	Retain  int
}

type publishRequest struct {
	Message
	length int
}

// Modem represents a virtual SIM70xx module attached to a TTY.
//
// The modem is thread-safe and uses a mutex to protect internal state.
// Most operations require the caller to hold the modem lock, with Sync variants
// available for convenience that acquire and release the lock automatically.
type Modem struct {
	sync.Mutex
	st               ModemStatus
	id               string
	tty              io.ReadWriteCloser
	alive            *alive.Alive
	log              *log2.Log
	statusTransition StatusTransitionType
	lineHook         LineHookType
	echo             bool
	shortForm        bool
	quietMode        bool
	operator         string
	address          string
	signal           int
	apn              string
	mode             int
	modeReport       int
	active           bool
	addrQueries      int
	attachAfter      int
	rejectConnect    int
	mqttConf         map[string]string
	subs             map[string]int
	pub              publishRequest
	payload          bytes.Buffer
	published        []Message
	urc              []string
	metrics          *Metrics
}

// StatusTransitionType defines a callback function that is called whenever the modem
// changes state. It receives the modem instance and both the previous and new status.
type StatusTransitionType func(m *Modem, prevStatus ModemStatus, newStatus ModemStatus)

// LineHookType defines a callback function for handling complete command lines.
// It receives the modem instance and the command line without the "AT" prefix.
// Returning RetCodeSkip hands the line to the default handler.
type LineHookType func(m *Modem, line string) RetCode

// Config contains the configuration parameters for creating a new modem instance.
// The TTY field is required, while other fields have reasonable defaults.
type Config struct {
	// Id is a unique identifier for the modem instance
	Id string
	// TTY is the terminal device interface (required)
	TTY io.ReadWriteCloser
	// Operator is the network operator name reported by AT+COPS? (default: "Emulated")
	Operator string
	// Address is the bearer address reported once active (default: "10.64.0.2")
	Address string
	// Signal is the rssi reported by AT+CSQ (default: 20)
	Signal int
	// AttachAfter makes the first AttachAfter address queries report "0.0.0.0",
	// a negative value never attaches
	AttachAfter int
	// RejectConnect makes the first RejectConnect AT+SMCONN fail
	RejectConnect int
	// LineHook is an optional callback for handling complete command lines
	LineHook LineHookType
	// StatusTransition is an optional callback for status change notifications
	StatusTransition StatusTransitionType
	// Log is optional
	Log *log2.Log
}

// Metrics contains runtime statistics of a modem instance.
// All counters are cumulative totals since the modem was created.
type Metrics struct {
	// Status is the current MQTT client status of the modem
	Status ModemStatus
	// TtyTxBytes is the total number of bytes transmitted to the TTY
	TtyTxBytes int
	// TtyRxBytes is the total number of bytes received from the TTY
	TtyRxBytes int
	// Commands is the total number of AT command lines processed
	Commands int
	// Published is the total number of messages published
	Published int
	// LastTtyTxTime is the timestamp of the last TTY transmission
	LastTtyTxTime time.Time
	// LastTtyRxTime is the timestamp of the last TTY reception
	LastTtyRxTime time.Time
	// LastAtCmdTime is the timestamp of the last AT command processed
	LastAtCmdTime time.Time
	// LastPublishTime is the timestamp of the last published message
	LastPublishTime time.Time
}

func checkValidCmdChar(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

func checkValidNumChar(b byte) bool {
	return (b >= '0' && b <= '9')
}

func (m *Modem) checkLock() {
	if m.TryLock() {
		m.Unlock()
		panic("Modem lock not held")
	}
}

func (m *Modem) ttyWrite(b []byte) {
	m.metrics.LastTtyTxTime = time.Now()
	n, err := m.tty.Write(b)
	if err != nil || n == 0 {
		m.setStatus(StatusClosed)
		return
	}
	m.metrics.TtyTxBytes += n
}

func (m *Modem) ttyWriteStr(s string) {
	m.ttyWrite([]byte(s))
}

// TtyWriteStr writes a string to the TTY device, used to inject unsolicited
// result codes. The modem lock must be held before calling this method.
// Use TtyWriteStrSync for automatic lock management.
func (m *Modem) TtyWriteStr(s string) {
	m.checkLock()
	m.ttyWriteStr(s)
}

// TtyWriteStrSync writes a string to the TTY device with automatic lock management.
func (m *Modem) TtyWriteStrSync(s string) {
	m.Lock()
	defer m.Unlock()
	m.ttyWriteStr(s)
}

// Id returns the unique identifier of the modem instance.
func (m *Modem) Id() string {
	return m.id
}

func (m *Modem) cr() string {
	if m.shortForm {
		return "\r"
	}
	return "\r\n"
}

// info writes an information response line.
func (m *Modem) info(format string, args ...interface{}) {
	m.ttyWriteStr(m.cr() + fmt.Sprintf(format, args...) + m.cr())
}

func (m *Modem) printRetCode(ret RetCode) {
	retStr := ""
	switch ret {
	case RetCodeSilent, RetCodeSkip, RetCodeUnknown:
		return
	case RetCodePrompt:
		// the prompt is sent even in quiet mode
		_, _ = m.tty.Write([]byte(m.cr() + "> "))
		return
	case RetCodeOk:
		retStr = "OK"
		if m.shortForm {
			retStr = "0"
		}
	case RetCodeError:
		retStr = "ERROR"
		if m.shortForm {
			retStr = "4"
		}
	}
	if !m.quietMode {
		// Write directly to TTY without error handling to avoid recursion during state transitions
		_, _ = m.tty.Write([]byte(m.cr() + retStr + m.cr()))
	}
}

// flushURC sends the unsolicited result codes queued while processing a command.
func (m *Modem) flushURC() {
	for _, u := range m.urc {
		m.info("%s", u)
	}
	m.urc = m.urc[:0]
}

// SetStatus changes the modem's operational status.
// The modem lock must be held before calling this method.
// Use SetStatusSync for automatic lock management.
func (m *Modem) SetStatus(status ModemStatus) {
	m.checkLock()
	m.setStatus(status)
}

// SetStatusSync changes the modem's operational status with automatic lock management.
func (m *Modem) SetStatusSync(status ModemStatus) {
	m.Lock()
	defer m.Unlock()
	m.setStatus(status)
}

func (m *Modem) setStatus(status ModemStatus) {
	prevStatus := m.st
	if prevStatus == status {
		return
	}
	if prevStatus == StatusClosed {
		panic(ErrInvalidStateTransition)
	}
	m.st = status
	switch m.st {
	case StatusIdle:
		if prevStatus != StatusConnected {
			panic(ErrInvalidStateTransition)
		}
		m.subs = make(map[string]int)
	case StatusConnected:
		if prevStatus != StatusIdle && prevStatus != StatusPayload {
			panic(ErrInvalidStateTransition)
		}
	case StatusPayload:
		if prevStatus != StatusConnected {
			panic(ErrInvalidStateTransition)
		}
		m.payload.Reset()
	case StatusClosed:
		m.alive.Stop()
		m.tty.Close()
	}
	m.log.Debugf("emu %s status %s -> %s", m.id, prevStatus, status)
	if m.statusTransition != nil {
		m.statusTransition(m, prevStatus, status)
	}
}

func (m *Modem) status() ModemStatus {
	return m.st
}

// Status returns the current MQTT client status of the modem.
// The modem lock must be held before calling this method.
// Use StatusSync for automatic lock management.
func (m *Modem) Status() ModemStatus {
	m.checkLock()
	return m.status()
}

// StatusSync returns the current status of the modem with automatic lock management.
func (m *Modem) StatusSync() ModemStatus {
	m.Lock()
	defer m.Unlock()
	return m.status()
}

// Active reports whether the packet data bearer is active.
// The modem lock must be held before calling this method.
func (m *Modem) Active() bool {
	m.checkLock()
	return m.active
}

// ActiveSync reports whether the bearer is active with automatic lock management.
func (m *Modem) ActiveSync() bool {
	m.Lock()
	defer m.Unlock()
	return m.active
}

// Published returns a copy of the messages published so far.
// The modem lock must be held before calling this method.
// Use PublishedSync for automatic lock management.
func (m *Modem) Published() []Message {
	m.checkLock()
	return append([]Message(nil), m.published...)
}

// PublishedSync returns a copy of the published messages with automatic lock management.
func (m *Modem) PublishedSync() []Message {
	m.Lock()
	defer m.Unlock()
	return m.Published()
}

// Subscriptions returns the subscribed topics in lexical order.
// The modem lock must be held before calling this method.
func (m *Modem) Subscriptions() []string {
	m.checkLock()
	topics := make([]string, 0, len(m.subs))
	for t := range m.subs {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// SubscriptionsSync returns the subscribed topics with automatic lock management.
func (m *Modem) SubscriptionsSync() []string {
	m.Lock()
	defer m.Unlock()
	return m.Subscriptions()
}

// MqttConf returns one AT+SMCONF value as it was received, unquoted.
// The modem lock must be held before calling this method.
func (m *Modem) MqttConf(key string) string {
	m.checkLock()
	return m.mqttConf[strings.ToUpper(key)]
}

func (m *Modem) close() {
	m.setStatus(StatusClosed)
}

// Close terminates the modem and closes the TTY.
// The modem lock must be held before calling this method.
// Use CloseSync for automatic lock management.
func (m *Modem) Close() {
	m.checkLock()
	m.close()
}

// CloseSync terminates the modem with automatic lock management and waits
// for the TTY reader to exit.
func (m *Modem) CloseSync() {
	m.Lock()
	m.close()
	m.Unlock()
	m.alive.Wait()
}

// Done is closed once the modem is closed and its TTY reader exited.
func (m *Modem) Done() <-chan struct{} {
	return m.alive.WaitChan()
}

// Metrics returns a copy of the current modem metrics.
// The modem lock must be held before calling this method.
// Use MetricsSync for automatic lock management.
func (m *Modem) Metrics() *Metrics {
	m.checkLock()
	copy := *m.metrics
	copy.Status = m.status()
	return &copy
}

// MetricsSync returns a copy of the current modem metrics with automatic lock management.
func (m *Modem) MetricsSync() *Metrics {
	m.Lock()
	defer m.Unlock()
	return m.Metrics()
}

func (m *Modem) processCommand(cmdChar string, cmdNum string) RetCode {
	n, _ := strconv.Atoi(cmdNum)
	switch cmdChar {
	case "E":
		switch n {
		case 0:
			m.echo = false
		case 1:
			m.echo = true
		default:
			return RetCodeError
		}
	case "V":
		switch n {
		case 0:
			m.shortForm = true
		case 1:
			m.shortForm = false
		default:
			return RetCodeError
		}
	case "Q":
		switch n {
		case 0:
			m.quietMode = false
		case 1:
			m.quietMode = true
		default:
			return RetCodeError
		}
	case "&F", "Z":
		m.echo = true
		m.shortForm = false
		m.quietMode = false
	default:
		return RetCodeError
	}
	return RetCodeOk
}

// processBasic runs a chain of basic commands such as "E0V1".
func (m *Modem) processBasic(cmd string) RetCode {
	s := strings.ToUpper(cmd)
	for s != "" {
		cmdChar := s[:1]
		s = s[1:]
		if cmdChar == "&" {
			if s == "" {
				return RetCodeError
			}
			cmdChar += s[:1]
			s = s[1:]
		}
		if !checkValidCmdChar(cmdChar[len(cmdChar)-1]) {
			return RetCodeError
		}
		i := 0
		for i < len(s) && checkValidNumChar(s[i]) {
			i++
		}
		if r := m.processCommand(cmdChar, s[:i]); r != RetCodeOk {
			return r
		}
		s = s[i:]
	}
	return RetCodeOk
}

func (m *Modem) processAtCommand(cmd string) RetCode {
	if m.status() == StatusClosed || m.status() == StatusPayload {
		return RetCodeError
	}
	m.metrics.LastAtCmdTime = time.Now()
	m.metrics.Commands++
	m.log.Debugf("emu %s AT%s", m.id, cmd)
	if m.lineHook != nil {
		r := m.lineHook(m, cmd)
		if r != RetCodeSkip {
			return r
		}
	}
	if strings.HasPrefix(cmd, "+") {
		req, ok := parseExtended(cmd[1:])
		if !ok {
			return RetCodeError
		}
		h, ok := extended[req.name]
		if !ok {
			return RetCodeError
		}
		return h(m, req)
	}
	return m.processBasic(cmd)
}

// ProcessAtCommand processes an AT command line (without the "AT" prefix)
// and returns the result code.
// The modem lock must be held before calling this method.
// Use ProcessAtCommandSync for automatic lock management.
func (m *Modem) ProcessAtCommand(cmd string) RetCode {
	m.checkLock()
	return m.processAtCommand(cmd)
}

// ProcessAtCommandSync processes an AT command line with automatic lock management.
func (m *Modem) ProcessAtCommandSync(cmd string) RetCode {
	m.Lock()
	defer m.Unlock()
	return m.processAtCommand(cmd)
}

func (m *Modem) payloadByte(b byte) {
	m.payload.WriteByte(b)
	if m.payload.Len() < m.pub.length {
		return
	}
	msg := m.pub.Message
	msg.Payload = m.payload.String()
	m.published = append(m.published, msg)
	m.metrics.Published++
	m.metrics.LastPublishTime = time.Now()
	m.log.Debugf("emu %s published topic=%s len=%d", m.id, msg.Topic, len(msg.Payload))
	m.setStatus(StatusConnected)
	m.printRetCode(RetCodeOk)
}

func (m *Modem) ttyReadTask() {
	defer m.alive.Done()
	aFlag := false
	atFlag := false
	buffer := bytes.NewBuffer(nil)
	byteBuff := make([]byte, 1)

	m.Lock()
	for m.status() != StatusClosed {
		m.Unlock()
		n, err := m.tty.Read(byteBuff)
		m.Lock()
		if m.status() == StatusClosed {
			break
		}

		if err != nil || n == 0 {
			m.setStatus(StatusClosed)
			break
		}
		m.metrics.LastTtyRxTime = time.Now()
		m.metrics.TtyRxBytes += n

		if m.status() == StatusPayload { // raw publish data, no echo
			m.payloadByte(byteBuff[0])
			continue
		}

		if !atFlag {
			if m.echo {
				m.ttyWrite(byteBuff)
			}
			if bytes.ToUpper(byteBuff)[0] == 'A' {
				aFlag = true
				continue
			}
			if aFlag && bytes.ToUpper(byteBuff)[0] == 'T' {
				atFlag = true
				aFlag = false
				continue
			}
			aFlag = false
			continue
		}

		switch c := byteBuff[0]; {
		case c == '\r':
			atFlag = false
			cmd := buffer.String()
			buffer.Reset()
			if m.echo {
				m.ttyWriteStr("\r")
			}
			r := m.processAtCommand(cmd)
			m.printRetCode(r)
			m.flushURC()
		case c == 0x7f:
			if buffer.Len() > 0 {
				buffer.Truncate(buffer.Len() - 1)
			}
		case c >= ' ' && buffer.Len() < maxLine:
			buffer.WriteByte(c)
			if m.echo {
				m.ttyWrite(byteBuff)
			}
		}
	}
	m.Unlock()
}

// NewModem creates a modem answering on config.TTY.
// The config parameter must not be nil and must contain the TTY field.
// The modem starts in StatusIdle with the bearer inactive and begins
// processing TTY input immediately.
//
// Returns ErrConfigRequired if config is nil or required fields are missing.
func NewModem(config *Config) (*Modem, error) {
	if config == nil {
		return nil, ErrConfigRequired
	}

	if config.TTY == nil {
		return nil, ErrConfigRequired
	}

	m := &Modem{
		st:               StatusIdle,
		id:               config.Id,
		tty:              config.TTY,
		alive:            alive.NewAlive(),
		log:              config.Log,
		lineHook:         config.LineHook,
		statusTransition: config.StatusTransition,
		operator:         config.Operator,
		address:          config.Address,
		signal:           config.Signal,
		attachAfter:      config.AttachAfter,
		rejectConnect:    config.RejectConnect,
		echo:             true,
		mqttConf:         make(map[string]string),
		subs:             make(map[string]int),
		metrics:          &Metrics{},
	}

	if m.operator == "" {
		m.operator = DefaultOperator
	}
	if m.address == "" {
		m.address = DefaultAddress
	}
	if m.signal == 0 {
		m.signal = DefaultSignal
	}

	m.alive.Add(1)
	go m.ttyReadTask()
	return m, nil
}
