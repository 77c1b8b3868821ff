//go:build windows

package ptyproc

import "errors"

// Proc is unsupported on Windows in this port; the pseudo-console
// backend was not carried over.
type Proc struct{}

var errUnsupported = errors.New("ptyproc: windows pseudo-console backend not implemented")

func Spawn(cfg Config) (*Proc, error) { return nil, errUnsupported }

func (p *Proc) Read(b []byte) (int, error)     { return 0, errUnsupported }
func (p *Proc) Write(b []byte) (int, error)    { return 0, errUnsupported }
func (p *Proc) Resize(cols, rows uint16) error { return ErrNotStarted }
func (p *Proc) Terminate()                     {}
func (p *Proc) Running() bool                  { return false }
func (p *Proc) ExitCode() (int, bool)          { return 0, false }
func (p *Proc) Done() <-chan struct{}          { return nil }
func (p *Proc) PID() int                       { return 0 }
