// Package z25 drives MEN 16Z025, 16Z125 and 16Z057 UART units found in a
// Chameleon FPGA on the PCI bus.
//
// A Handle owns the discovered bus paths, the device table and the
// interrupt groups. Each present channel is wrapped in a Channel that tracks
// its open count and the consumer its received bytes are delivered to.
package z25

import (
	"errors"

	"github.com/tinyrange/z25/internal/pci"
)

var (
	// ErrNoChannels is returned when a unit's IDIRQ reports no channels.
	ErrNoChannels = errors.New("z25: unit reports no channels")
	// ErrTableFull is returned when the device or path table is exhausted.
	ErrTableFull = errors.New("z25: table full")
	// ErrNotOpen is returned by Close on a channel that is not open.
	ErrNotOpen = errors.New("z25: channel not open")
	// ErrNotRegistered is returned for channels that were never installed.
	ErrNotRegistered = errors.New("z25: channel not registered")
	// ErrUnknownRequest is returned by Control for unknown request codes.
	ErrUnknownRequest = errors.New("z25: unknown control request")
	// ErrWrongConsumer is returned when a callback is installed on a
	// stream channel or the callback has the wrong type.
	ErrWrongConsumer = errors.New("z25: callback does not match channel consumer")
	// ErrBadDomain is returned for PCI domains above MaxDomains.
	ErrBadDomain = errors.New("z25: PCI domain out of range")
)

const (
	// MaxUnits bounds the device table.
	MaxUnits = 12
	// MaxPCIDevices bounds the number of FPGA paths per handle.
	MaxPCIDevices = 10
	// MaxDomains is the highest PCI domain scanned.
	MaxDomains = pci.MaxDomains

	// DefaultBufferSize is the receive and transmit buffer size of a
	// stream consumer.
	DefaultBufferSize = 512

	DefaultRxTrigger = 4
	DefaultTxTrigger = 30

	// maxGroupUnits is the number of Extended units sharing one driver
	// identity.
	maxGroupUnits = 4
)
