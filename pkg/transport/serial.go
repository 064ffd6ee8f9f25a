package transport

import (
	"context"
	"errors"
	"fmt"

	"go.bug.st/serial"
)

// DefaultBaudRate is the line speed the watch firmware uses.
const DefaultBaudRate = 115200

// ErrNoDevice is returned when a serial opener has no device path.
var ErrNoDevice = errors.New("no serial device configured")

// SerialConfig describes a serial line (8N1).
type SerialConfig struct {
	// Device is the port path, e.g. /dev/rfcomm0 or COM3.
	Device string

	// BaudRate defaults to DefaultBaudRate when zero.
	BaudRate int
}

func (c SerialConfig) mode() *serial.Mode {
	baud := c.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// serialPort adds the device path to an open port.
type serialPort struct {
	serial.Port
	device string
}

// Target returns the device path.
func (p *serialPort) Target() string {
	return p.device
}

// Serial returns an Opener for a named serial device.
//
// No read timeout is set: a timed out read on go.bug.st/serial reports
// (0, nil), which would hide partial headers. Close unblocks reads.
func Serial(cfg SerialConfig) Opener {
	return func(ctx context.Context) (Transport, error) {
		if cfg.Device == "" {
			return nil, ErrNoDevice
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		port, err := serial.Open(cfg.Device, cfg.mode())
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
		}
		return &serialPort{Port: port, device: cfg.Device}, nil
	}
}

// SerialPorts lists the serial devices present on this machine.
func SerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

var (
	_ Transport = (*serialPort)(nil)
	_ Named     = (*serialPort)(nil)
)
