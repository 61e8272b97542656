package simcom

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaracil/simcom/log2"
	"github.com/juju/errors"
)

// Terminator ends every command line on the wire.
const Terminator = "\r"

// Command is an immutable request for the modem.
type Command struct {
	Text string
	// Settle is the longest time to wait for a final result code
	Settle time.Duration
	// Raw commands are written without Terminator (publish payload)
	Raw bool
}

// Result is the final result code that completed a command.
type Result int

const (
	// ResultTimeout means the settle delay elapsed without a final result code
	ResultTimeout Result = iota
	ResultOK
	ResultError
	// ResultPrompt is the ">" data prompt
	ResultPrompt
)

func (r Result) String() string {
	switch r {
	case ResultTimeout:
		return "timeout"
	case ResultOK:
		return "OK"
	case ResultError:
		return "ERROR"
	case ResultPrompt:
		return "prompt"
	default:
		return "unknown"
	}
}

// Reply is what the modem answered to one command.
// Lines holds the information lines received before the final result code.
type Reply struct {
	Seq     uint64
	Command string
	Lines   []string
	Result  Result
	// Final is the line that completed the command, empty on timeout
	Final string
}

type pending struct {
	seq     uint64
	command string
	echoed  bool
	lines   []string
	done    chan Reply
}

// takeEcho consumes the first line that repeats the command text.
// The echo may carry marker text taken from the command arguments.
func (p *pending) takeEcho(line string) bool {
	if p.echoed || line != p.command {
		return false
	}
	p.echoed = true
	return true
}

// channel serialises commands onto the transport and correlates each one
// with the inbound lines that complete it.
type channel struct {
	tx      sync.Mutex // one command in flight
	tr      Transport
	log     *log2.Log
	metrics *metrics

	lk      sync.Mutex
	seq     uint64
	current uint64
	pending map[uint64]*pending
}

func newChannel(tr Transport, log *log2.Log, m *metrics) *channel {
	return &channel{
		tr:      tr,
		log:     log,
		metrics: m,
		pending: make(map[uint64]*pending),
	}
}

// Send writes cmd and blocks until the inbound path completes it or its
// settle delay elapses. A timeout is not an error: the Reply says
// ResultTimeout and the caller decides.
func (c *channel) Send(ctx context.Context, cmd Command) (Reply, error) {
	c.tx.Lock()
	defer c.tx.Unlock()

	p := c.register(cmd.Text)
	wire := cmd.Text
	if !cmd.Raw {
		wire += Terminator
	}
	if c.log.Enabled(log2.LDebug) {
		c.log.Debugf("tx seq=%d %q", p.seq, maskSecret(wire))
	}
	if err := c.write(cmd.Text, wire); err != nil {
		c.drop(p.seq)
		return Reply{Seq: p.seq, Command: cmd.Text}, err
	}
	atomic.AddInt64(&c.metrics.commands, 1)

	timer := time.NewTimer(cmd.Settle)
	defer timer.Stop()
	select {
	case r := <-p.done:
		return r, nil
	case <-timer.C:
	case <-ctx.Done():
		c.drop(p.seq)
		return Reply{Seq: p.seq, Command: cmd.Text}, errors.Trace(ctx.Err())
	}
	lines := c.drop(p.seq)
	select {
	case r := <-p.done:
		return r, nil
	default:
	}
	atomic.AddInt64(&c.metrics.timeouts, 1)
	c.log.Debugf("seq=%d %q no final result after %v", p.seq, cmd.Text, cmd.Settle)
	return Reply{Seq: p.seq, Command: cmd.Text, Lines: lines, Result: ResultTimeout}, nil
}

func (c *channel) write(command, wire string) error {
	n, err := c.tr.Write([]byte(wire))
	if n > 0 {
		c.metrics.tx(n)
	}
	if err == nil && n < len(wire) {
		err = io.ErrShortWrite
	}
	if err == nil {
		return nil
	}
	if isClosedErr(err) {
		return errors.Annotatef(ErrClosed, "write %q: %v", command, err)
	}
	return errors.Trace(&TransportError{Command: command, Err: err})
}

const secretKey = `"PASSWORD",`

// maskSecret hides the broker password from logs.
func maskSecret(s string) string {
	if i := strings.Index(s, secretKey); i >= 0 {
		return s[:i+len(secretKey)] + `"***"`
	}
	return s
}

func isClosedErr(err error) bool {
	return errors.Cause(err) == ErrClosed ||
		stderrors.Is(err, io.ErrClosedPipe) ||
		stderrors.Is(err, os.ErrClosed)
}

func (c *channel) register(command string) *pending {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.seq++
	p := &pending{
		seq:     c.seq,
		command: strings.TrimSpace(command),
		done:    make(chan Reply, 1),
	}
	c.pending[p.seq] = p
	c.current = p.seq
	return p
}

// drop forgets a pending command and returns the lines it collected.
func (c *channel) drop(seq uint64) []string {
	c.lk.Lock()
	defer c.lk.Unlock()
	p, ok := c.pending[seq]
	if !ok {
		return nil
	}
	delete(c.pending, seq)
	if c.current == seq {
		c.current = 0
	}
	return p.lines
}

// echo reports whether line is the echo of the command in flight.
// Echoed arguments are never parsed as modem facts.
func (c *channel) echo(line string) bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	p, ok := c.pending[c.current]
	return ok && p.takeEcho(line)
}

// offer hands one inbound line to the command in flight.
// It returns false when no command is pending (unsolicited line).
func (c *channel) offer(line string, parsed ParsedResponse) bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	p, ok := c.pending[c.current]
	if !ok {
		return false
	}
	if p.takeEcho(line) {
		return true
	}
	var result Result
	switch {
	case line == "OK":
		result = ResultOK
	case parsed.Kind == ErrorMarker:
		result = ResultError
	case line == ">":
		result = ResultPrompt
	default:
		p.lines = append(p.lines, line)
		return true
	}
	delete(c.pending, p.seq)
	c.current = 0
	p.done <- Reply{Seq: p.seq, Command: p.command, Lines: p.lines, Result: result, Final: line}
	return true
}

// closeAll completes every pending command as timed out, used on driver close.
func (c *channel) closeAll() {
	c.lk.Lock()
	defer c.lk.Unlock()
	for seq, p := range c.pending {
		delete(c.pending, seq)
		p.done <- Reply{Seq: p.seq, Command: p.command, Lines: p.lines, Result: ResultTimeout}
	}
	c.current = 0
}
