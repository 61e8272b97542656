package simcom

import (
	"strings"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/paulrosania/go-charset/charset"
	_ "github.com/paulrosania/go-charset/data" // charset tables
)

// decoder turns inbound bytes into UTF-8 text.
type decoder struct {
	tr   charset.Translator
	rest []byte
}

func newDecoder(name string) (*decoder, error) {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return &decoder{}, nil
	}
	tr, err := charset.TranslatorFrom(name)
	if err != nil {
		return nil, errors.Annotatef(err, "charset %q", name)
	}
	return &decoder{tr: tr}, nil
}

func (d *decoder) decode(b []byte) string {
	if d.tr == nil {
		return strings.ToValidUTF8(string(b), "\uFFFD")
	}
	data := append(d.rest, b...)
	n, out, err := d.tr.Translate(data, false)
	if err != nil {
		d.rest = nil
		return strings.ToValidUTF8(string(data), "\uFFFD")
	}
	d.rest = append([]byte(nil), data[n:]...)
	return string(out)
}

// lineSplitter assembles complete lines out of partial chunks.
// CR and LF both end a line, empty lines are dropped and a ">" at the start
// of a line is a complete token (the modem sends the data prompt without
// line ending).
type lineSplitter struct {
	buf strings.Builder
}

func (s *lineSplitter) feed(text string) []string {
	var lines []string
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '\r' || c == '\n':
			if line := strings.TrimSpace(s.buf.String()); line != "" {
				lines = append(lines, line)
			}
			s.buf.Reset()
		case c == '>' && strings.TrimSpace(s.buf.String()) == "":
			lines = append(lines, ">")
			s.buf.Reset()
			for i+1 < len(text) && text[i+1] == ' ' {
				i++
			}
		default:
			s.buf.WriteByte(c)
		}
	}
	return lines
}

type inbound struct {
	line    string
	barrier chan struct{}
}

// Ingest is the entry point for inbound bytes; the transport calls it
// whenever data is available. Complete lines are queued to the driver loop
// which parses them, applies facts to the Session and completes the
// command in flight. Ingest never fails; after Close input is dropped.
func (d *Driver) Ingest(b []byte) {
	if len(b) == 0 {
		return
	}
	d.metrics.rx(len(b))
	d.ilk.Lock()
	text := d.dec.decode(b)
	lines := d.split.feed(text)
	d.ilk.Unlock()
	for _, line := range lines {
		if !d.enqueue(inbound{line: line}) {
			return
		}
	}
}

func (d *Driver) enqueue(in inbound) bool {
	if !d.alive.Add(1) {
		return false
	}
	defer d.alive.Done()
	select {
	case d.inbox <- in:
		return true
	case <-d.alive.StopChan():
		return false
	}
}

// sync waits until every line queued before the call was processed.
func (d *Driver) sync() {
	ch := make(chan struct{})
	if !d.enqueue(inbound{barrier: ch}) {
		return
	}
	select {
	case <-ch:
	case <-d.alive.StopChan():
	}
}

// loop is the single consumer of inbound lines and the only path that
// applies parsed facts to the Session.
func (d *Driver) loop() {
	defer d.alive.Done()
	stopCh := d.alive.StopChan()
	for {
		select {
		case <-stopCh:
			return
		case in := <-d.inbox:
			if in.barrier != nil {
				close(in.barrier)
				continue
			}
			d.handleLine(in.line)
		}
	}
}

func (d *Driver) handleLine(line string) {
	if d.cfg.LineHook != nil {
		d.cfg.LineHook(line)
	}
	if d.ch.echo(line) {
		d.log.Debugf("echo %q", line)
		return
	}
	r := Parse(line)
	switch r.Kind {
	case ErrorMarker:
		atomic.AddInt64(&d.metrics.protocolErrors, 1)
		d.log.Errorf("modem: %s", line)
	case Unrecognized:
		d.log.Debugf("rx %q", line)
	default:
		d.log.Debugf("rx %q -> %s", line, r)
		d.session.Lock()
		d.session.apply(r)
		d.session.Unlock()
	}
	if !d.ch.offer(line, r) {
		atomic.AddInt64(&d.metrics.unsolicited, 1)
		d.log.Debugf("unsolicited %q", line)
	}
}
