//go:build !linux

package main

import (
	"io"

	"github.com/juju/errors"
)

type ptyPort struct{ io.ReadWriteCloser }

func (p *ptyPort) Name() string { return "" }

func newPty() (*ptyPort, error) {
	return nil, errors.NotSupportedf("pseudo-terminal modem on this platform")
}
