package mz25

import "fmt"

// Register offsets inside one channel block.
const (
	RegTHR = 0x00 // write, DLAB=0
	RegRHR = 0x00 // read, DLAB=0
	RegDLL = 0x00 // DLAB=1
	RegIER = 0x01 // DLAB=0
	RegDLH = 0x01 // DLAB=1
	RegFCR = 0x02 // write
	RegIIR = 0x02 // read
	RegLCR = 0x03
	RegMCR = 0x04
	RegLSR = 0x05
	RegMSR = 0x06
	RegACR = 0x07

	// ChannelStride separates the register blocks of a quad unit.
	ChannelStride = 0x10
	// RegIDIRQ is the unit-global interrupt status, relative to the unit base.
	RegIDIRQ = 0x40

	// UnitSpan is the address range one unit decodes.
	UnitSpan = 0x100
)

// IER bits
const (
	IerRDAIEN  = 1 << 0
	IerTHREIEN = 1 << 1
	IerRLSIEN  = 1 << 2
	IerMSIEN   = 1 << 3
)

// FCR bits
const (
	FcrFIFOEN = 1 << 0

	FcrTrigger0 = 0x00
	FcrTrigger1 = 0x40
	FcrTrigger2 = 0x80
	FcrTrigger3 = 0xC0
)

// IIR bits and cause codes (bits 1-3).
const (
	IirNotPending = 1 << 0
	IirCauseMask  = 0x0E

	IirLineStatus  = 0x06
	IirReceive     = 0x04
	IirCharTimeout = 0x0C
	IirTHREmpty    = 0x02
	IirModemStatus = 0x00
)

// LCR bits
const (
	LcrWL0   = 1 << 0
	LcrWL1   = 1 << 1
	LcrNOSTP = 1 << 2
	LcrPEN   = 1 << 3
	LcrPTYPE = 1 << 4
	LcrSBK   = 1 << 6
	LcrDLAB  = 1 << 7

	lcrWordMask   = LcrWL0 | LcrWL1
	lcrParityMask = LcrPEN | LcrPTYPE
)

// MCR bits
const (
	McrDTR  = 1 << 0
	McrRTS  = 1 << 1
	McrOUT1 = 1 << 2
	McrOUT2 = 1 << 3
	McrLOOP = 1 << 4
	McrRCFC = 1 << 5 // automatic RTS/CTS
)

// LSR bits
const (
	LsrDR       = 1 << 0
	LsrOE       = 1 << 1
	LsrPE       = 1 << 2
	LsrFE       = 1 << 3
	LsrBI       = 1 << 4
	LsrTHEP     = 1 << 5
	LsrTXEP     = 1 << 6
	LsrRXFIFOER = 1 << 7
)

// MSR bits (low nibble are change flags)
const (
	MsrDCTS = 1 << 0
	MsrDDSR = 1 << 1
	MsrDRI  = 1 << 2
	MsrDDCD = 1 << 3
	MsrCTS  = 1 << 4
	MsrDSR  = 1 << 5
	MsrRI   = 1 << 6
	MsrDCD  = 1 << 7
)

// ACR bits
const (
	AcrRXEN      = 1 << 0
	AcrECHON     = 1 << 1
	AcrDIFF      = 1 << 2
	AcrHD        = 1 << 3
	AcrSETCONFIG = 1 << 7
)

// IDIRQ layout: bit n is "channel n pending", bit n+4 is "channel n present".
const (
	IdirqPendingMask = 0x0F
	IdirqPresentMask = 0xF0
)

// StandardClock is the reference UART clock in Hz. Only this clock uses a
// divisor constant of 16.
const StandardClock = 1843200

// MaxBaudRate is the highest accepted baud rate. Anything above, or any
// non-positive value, is replaced with DefaultBaudRate.
const (
	MaxBaudRate     = 3000000
	DefaultBaudRate = 115200
)

// Variant identifies the core flavour of a unit.
type Variant int

const (
	// Basic is the 16Z025 quad UART.
	Basic Variant = iota
	// Extended is the 16Z125: one interrupt and one base per unit.
	Extended
	// Legacy is the 16Z057, register compatible with Basic.
	Legacy
)

// Chameleon module codes.
const (
	ModuleZ025 = 25
	ModuleZ125 = 125
	ModuleZ057 = 57
)

// Modules lists the module codes searched during discovery, in order.
var Modules = []int{ModuleZ025, ModuleZ125, ModuleZ057}

// VariantFromModule maps a Chameleon module code to its variant.
func VariantFromModule(code int) (Variant, error) {
	switch code {
	case ModuleZ025:
		return Basic, nil
	case ModuleZ125:
		return Extended, nil
	case ModuleZ057:
		return Legacy, nil
	default:
		return 0, fmt.Errorf("mz25: unknown module code %d", code)
	}
}

// Module returns the Chameleon module code of the variant.
func (v Variant) Module() int {
	switch v {
	case Extended:
		return ModuleZ125
	case Legacy:
		return ModuleZ057
	default:
		return ModuleZ025
	}
}

// Slots is the number of channel slots a unit of this variant occupies in the
// device table.
func (v Variant) Slots() int {
	if v == Extended {
		return 1
	}
	return 4
}

func (v Variant) String() string {
	switch v {
	case Basic:
		return "16Z025"
	case Extended:
		return "16Z125"
	case Legacy:
		return "16Z057"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// ChannelBase returns the register base of channel n inside a unit.
func ChannelBase(unitBase uint64, v Variant, n int) uint64 {
	if v == Extended {
		return unitBase
	}
	return unitBase + uint64(n)*ChannelStride
}
