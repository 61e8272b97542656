package main

import (
	"os"

	"github.com/creack/pty"
	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// ptyPort is the master side of a pseudo-terminal. Clients open Name().
type ptyPort struct {
	master, slave *os.File
	closed        bool
}

func newPty() (*ptyPort, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, errors.Annotate(err, "pty open")
	}
	p := &ptyPort{master: master, slave: slave}
	if err := p.makeRaw(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// makeRaw disables the slave line discipline: no echo of modem output back
// into the master, no CR to NL translation of commands.
func (p *ptyPort) makeRaw() error {
	conn, err := p.slave.SyscallConn()
	if err != nil {
		return errors.Trace(err)
	}
	var opErr error
	err = conn.Control(func(fd uintptr) {
		t, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
		if err != nil {
			opErr = err
			return
		}
		t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
		t.Oflag &^= unix.OPOST
		t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
		t.Cflag &^= unix.CSIZE | unix.PARENB
		t.Cflag |= unix.CS8
		t.Cc[unix.VMIN] = 1
		t.Cc[unix.VTIME] = 0
		opErr = unix.IoctlSetTermios(int(fd), unix.TCSETS, t)
	})
	if err == nil {
		err = opErr
	}
	return errors.Annotate(err, "pty raw mode")
}

func (p *ptyPort) Name() string { return p.slave.Name() }

func (p *ptyPort) Read(b []byte) (int, error) { return p.master.Read(b) }

func (p *ptyPort) Write(b []byte) (int, error) { return p.master.Write(b) }

func (p *ptyPort) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	// slave first: a read blocked on the master returns EIO on hangup
	err := p.slave.Close()
	if e := p.master.Close(); err == nil {
		err = e
	}
	return errors.Trace(err)
}
