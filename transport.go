package simcom

import (
	"io"
	"sync"

	"github.com/jaracil/simcom/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"go.bug.st/serial"
)

// Transport is the outgoing half of the byte stream to the modem.
// Inbound bytes reach the Driver through Driver.Ingest.
type Transport interface {
	io.Writer
}

// DataHandler receives newly available inbound bytes.
// It may be handed partial lines.
type DataHandler func(b []byte)

// StreamTransport adapts any io.ReadWriteCloser (serial port, pty, pipe)
// to a Transport plus a reader goroutine feeding a DataHandler.
type StreamTransport struct {
	rwc   io.ReadWriteCloser
	log   *log2.Log
	alive *alive.Alive
	wlk   sync.Mutex
	once  sync.Once
	err   error
}

// NewStreamTransport wraps rwc. Call Start to begin reading.
func NewStreamTransport(rwc io.ReadWriteCloser, log *log2.Log) *StreamTransport {
	return &StreamTransport{
		rwc:   rwc,
		log:   log,
		alive: alive.NewAlive(),
	}
}

// OpenSerial opens a serial device 8N1 at baud (default 115200).
func OpenSerial(path string, baud int, log *log2.Log) (*StreamTransport, error) {
	if path == "" {
		return nil, errors.Annotate(ErrConfigRequired, "serial device path")
	}
	if baud == 0 {
		baud = 115200
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, errors.Annotatef(err, "open serial port %s", path)
	}
	log.Debugf("serial open path=%s baud=%d", path, baud)
	return NewStreamTransport(port, log), nil
}

// Start runs the reader goroutine. The handler is invoked once per Read
// that returned data. Start is effective once.
func (t *StreamTransport) Start(onData DataHandler) {
	t.once.Do(func() {
		if !t.alive.Add(1) {
			return
		}
		go t.readLoop(onData)
	})
}

func (t *StreamTransport) readLoop(onData DataHandler) {
	defer t.alive.Done()
	buf := make([]byte, 256)
	for t.alive.IsRunning() {
		n, err := t.rwc.Read(buf)
		if n > 0 && onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			if t.alive.IsRunning() {
				t.log.Errorf("transport read: %v", err)
				t.err = err
			}
			t.alive.Stop()
			return
		}
	}
}

// Write implements Transport. It fails with ErrClosed after Close or after
// the reader saw the stream end.
func (t *StreamTransport) Write(p []byte) (int, error) {
	if !t.alive.IsRunning() {
		return 0, ErrClosed
	}
	t.wlk.Lock()
	defer t.wlk.Unlock()
	return t.rwc.Write(p)
}

// Done is closed when the transport stopped and its reader exited.
func (t *StreamTransport) Done() <-chan struct{} { return t.alive.WaitChan() }

// Err returns the read error that stopped the transport, if any.
func (t *StreamTransport) Err() error {
	<-t.alive.StopChan()
	return t.err
}

// Close stops the reader and closes the underlying stream.
// It waits for the reader goroutine to exit.
func (t *StreamTransport) Close() error {
	t.alive.Stop()
	err := t.rwc.Close()
	t.alive.Wait()
	return errors.Trace(err)
}
