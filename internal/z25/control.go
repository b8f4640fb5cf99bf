package z25

import (
	"fmt"

	"github.com/tinyrange/z25/internal/mz25"
)

// Request is a channel control request code.
type Request int

// Vendor requests.
const (
	ReqDataBits       Request = 100
	ReqParity         Request = 101
	ReqStopBits       Request = 102
	ReqSetRTS         Request = 113
	ReqSetDTR         Request = 114
	ReqSetOut1        Request = 115
	ReqSetOut2        Request = 116
	ReqGetCTS         Request = 117
	ReqGetDSR         Request = 118
	ReqGetDCD         Request = 119
	ReqModeSelect     Request = 130
	ReqAutoRS485      Request = 131
	ReqModeGet        Request = 132
	ReqModem          Request = 140
	ReqSetFIFOBytes   Request = 141
	ReqSetTxFIFOBytes Request = 143
	ReqLineStatus     Request = 150
	ReqRTSCTS         Request = 161
	ReqHandshakeOff   Request = 163
)

// Serial I/O requests.
const (
	ReqBaudSet Request = 0x1003 + iota
	ReqBaudGet
	ReqHWOptsSet
	ReqHWOptsGet
	ReqMstatGet
	ReqMctrlBitsSet
	ReqMctrlBitsClr
	ReqMctrlISigMask
	ReqMctrlOSigMask
)

var requestNames = map[Request]string{
	ReqDataBits:       "DATABITS",
	ReqParity:         "PARITY",
	ReqStopBits:       "STOPBITS",
	ReqSetRTS:         "SET_RTS",
	ReqSetDTR:         "SET_DTR",
	ReqSetOut1:        "SET_OUT1",
	ReqSetOut2:        "SET_OUT2",
	ReqGetCTS:         "GET_CTS",
	ReqGetDSR:         "GET_DSR",
	ReqGetDCD:         "GET_DCD",
	ReqModeSelect:     "MODE_SELECT",
	ReqAutoRS485:      "AUTO_RS485",
	ReqModeGet:        "MODE_GET",
	ReqModem:          "MODEM",
	ReqSetFIFOBytes:   "SET_FIFO_BYTES",
	ReqSetTxFIFOBytes: "SET_TX_FIFO_BYTES",
	ReqLineStatus:     "LINE_STATUS",
	ReqRTSCTS:         "RTS_CTS",
	ReqHandshakeOff:   "HANDSHAKE_OFF",
	ReqBaudSet:        "BAUD_SET",
	ReqBaudGet:        "BAUD_GET",
	ReqHWOptsSet:      "HW_OPTS_SET",
	ReqHWOptsGet:      "HW_OPTS_GET",
	ReqMstatGet:       "MSTAT_GET",
	ReqMctrlBitsSet:   "MCTRL_BITS_SET",
	ReqMctrlBitsClr:   "MCTRL_BITS_CLR",
	ReqMctrlISigMask:  "MCTRL_ISIG_MASK",
	ReqMctrlOSigMask:  "MCTRL_OSIG_MASK",
}

func (r Request) String() string {
	if n, ok := requestNames[r]; ok {
		return n
	}
	return fmt.Sprintf("Request(%d)", int(r))
}

// ParseRequest looks a request up by name.
func ParseRequest(name string) (Request, error) {
	for r, n := range requestNames {
		if n == name {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownRequest, name)
}

// Hardware options word.
const (
	OptCLOCAL uint32 = 0x1
	OptCREAD  uint32 = 0x2
	OptCSIZE  uint32 = 0xC
	OptCS5    uint32 = 0x0
	OptCS6    uint32 = 0x4
	OptCS7    uint32 = 0x8
	OptCS8    uint32 = 0xC
	OptHUPCL  uint32 = 0x10
	OptSTOPB  uint32 = 0x20
	OptPARENB uint32 = 0x40
	OptPARODD uint32 = 0x80
)

// Modem signal bits used by MSTAT_GET and MCTRL_*.
const (
	ModemDTR = 0x01
	ModemRTS = 0x02
	ModemCTS = 0x04
	ModemCD  = 0x08
	ModemRI  = 0x10
	ModemDSR = 0x20

	ModemOutputs = ModemRTS | ModemDTR
	ModemInputs  = ModemCTS | ModemDSR | ModemCD
)

// Electrical modes as numbered by MODE_SELECT and MODE_GET.
const (
	SelectRS232     = 0
	SelectRS485Half = 1
	SelectRS485Full = 2
)

// basicMaxBaud is the highest rate a 16Z025 runs at.
const basicMaxBaud = 115200

func csize(dataBits int) uint32 {
	switch dataBits {
	case 5:
		return OptCS5
	case 6:
		return OptCS6
	case 7:
		return OptCS7
	default:
		return OptCS8
	}
}

func dataBitsOf(opts uint32) int {
	switch opts & OptCSIZE {
	case OptCS5:
		return 5
	case OptCS6:
		return 6
	case OptCS7:
		return 7
	default:
		return 8
	}
}

func parityOptions(p mz25.Parity) uint32 {
	switch p {
	case mz25.ParityOdd:
		return OptPARENB | OptPARODD
	case mz25.ParityEven:
		return OptPARENB
	default:
		return 0
	}
}

func parityOf(opts uint32) mz25.Parity {
	switch opts & (OptPARENB | OptPARODD) {
	case OptPARENB | OptPARODD:
		return mz25.ParityOdd
	case OptPARENB:
		return mz25.ParityEven
	default:
		return mz25.ParityNone
	}
}

func boolResult(v bool) int {
	if v {
		return 1
	}
	return 0
}

// Control executes a control request. Boolean arguments are true when arg
// is 1. The returned value is the result of get requests and 0 otherwise.
func (c *Channel) Control(req Request, arg int) (int, error) {
	if c == nil {
		return 0, mz25.ErrInvalidHandle
	}
	c.log.debug(DebugIoctl, 3, "z25: control", "channel", c.Name(), "request", req, "arg", arg)
	v, err := c.control(req, arg)
	if err != nil {
		c.log.debug(DebugIoctl, 1, "z25: control failed", "channel", c.Name(), "request", req, "err", err)
	}
	return v, err
}

func (c *Channel) control(req Request, arg int) (int, error) {
	r := c.regs
	on := arg == 1

	switch req {
	case ReqBaudSet:
		if c.unit.variant == mz25.Basic && arg > basicMaxBaud {
			c.log.warn("z25: baud rate not supported by 16Z025, limited", "channel", c.Name(), "requested", arg, "baud", basicMaxBaud)
			arg = basicMaxBaud
		}
		return 0, r.SetBaudRate(arg)
	case ReqBaudGet:
		return r.Baud(), nil

	case ReqHWOptsSet:
		return 0, c.setOptions(uint32(arg))
	case ReqHWOptsGet:
		return int(c.Options()), nil

	case ReqMstatGet:
		return c.modemStatus()
	case ReqMctrlBitsSet:
		return 0, c.setModemBits(arg, true)
	case ReqMctrlBitsClr:
		return 0, c.setModemBits(arg, false)
	case ReqMctrlOSigMask:
		return ModemOutputs, nil
	case ReqMctrlISigMask:
		return ModemInputs, nil

	case ReqDataBits:
		if err := r.SetDataBits(arg); err != nil {
			return 0, err
		}
		c.updateOptions(OptCSIZE, csize(arg))
		return 0, nil
	case ReqParity:
		p := mz25.Parity(arg)
		if err := r.SetParity(p); err != nil {
			return 0, err
		}
		c.updateOptions(OptPARENB|OptPARODD, parityOptions(p))
		return 0, nil
	case ReqStopBits:
		if err := r.SetStopBits(arg); err != nil {
			return 0, err
		}
		var stopb uint32
		if arg == 2 {
			stopb = OptSTOPB
		}
		c.updateOptions(OptSTOPB, stopb)
		return 0, nil

	case ReqSetRTS:
		return 0, r.SetRTS(on)
	case ReqSetDTR:
		return 0, r.SetDTR(on)
	case ReqSetOut1:
		return 0, r.SetOut1(on)
	case ReqSetOut2:
		return 0, r.SetOut2(on)

	case ReqGetCTS:
		v, err := r.ReadCTS()
		return boolResult(v), err
	case ReqGetDSR:
		v, err := r.ReadDSR()
		return boolResult(v), err
	case ReqGetDCD:
		v, err := r.ReadDCD()
		return boolResult(v), err

	case ReqModeSelect:
		return 0, c.selectMode(arg)
	case ReqAutoRS485:
		return 0, c.selectMode(SelectRS485Half)
	case ReqModeGet:
		mode, err := r.SerialMode()
		if err != nil {
			return 0, err
		}
		switch mode & (mz25.AcrDIFF | mz25.AcrHD) {
		case mz25.AcrDIFF | mz25.AcrHD:
			return SelectRS485Half, nil
		case mz25.AcrDIFF:
			return SelectRS485Full, nil
		default:
			return SelectRS232, nil
		}

	case ReqModem:
		return 0, r.SetModemControl(on)

	case ReqSetFIFOBytes:
		return 0, r.SetFIFOTriggerLevel(mz25.Receive, arg)
	case ReqSetTxFIFOBytes:
		return 0, r.SetFIFOTriggerLevel(mz25.Transmit, arg)

	case ReqLineStatus:
		v, err := r.LineStatus()
		return int(v), err

	case ReqRTSCTS:
		return 0, r.EnableAutoRTSCTS(on)
	case ReqHandshakeOff:
		return 0, r.EnableAutoRTSCTS(false)
	}
	return 0, fmt.Errorf("%w %d", ErrUnknownRequest, int(req))
}

// selectMode programs the ACR mode fields. The receiver stays enabled while
// the channel is open.
func (c *Channel) selectMode(sel int) error {
	var mode mz25.SerialMode
	switch sel {
	case SelectRS485Half:
		mode = mz25.ModeRS485Half
	case SelectRS485Full:
		mode = mz25.ModeRS485Full
	default:
		mode = mz25.ModeRS232
	}
	if c.UseCount() == 0 {
		mode &^= mz25.AcrRXEN
	}
	return c.regs.SetSerialMode(mode)
}

func (c *Channel) updateOptions(mask, value uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.options = c.options&^mask | value
}

// setOptions applies the fields of opts that differ from the current
// options word.
func (c *Channel) setOptions(opts uint32) error {
	if opts&0xffffff00 != 0 {
		return fmt.Errorf("%w: options 0x%x", mz25.ErrInvalidArgument, opts)
	}
	r := c.regs
	cur := c.Options()
	if cur == opts {
		return nil
	}
	if cur&OptCSIZE != opts&OptCSIZE {
		if err := r.SetDataBits(dataBitsOf(opts)); err != nil {
			return err
		}
	}
	if cur&OptSTOPB != opts&OptSTOPB {
		stop := 1
		if opts&OptSTOPB != 0 {
			stop = 2
		}
		if err := r.SetStopBits(stop); err != nil {
			return err
		}
	}
	if cur&(OptPARENB|OptPARODD) != opts&(OptPARENB|OptPARODD) {
		if err := r.SetParity(parityOf(opts)); err != nil {
			return err
		}
	}
	if cur&OptCLOCAL != opts&OptCLOCAL {
		// Without CLOCAL the modem lines are used for flow control.
		modem := opts&OptCLOCAL == 0
		if err := r.SetModemControl(modem); err != nil {
			return err
		}
		if err := r.SetRTS(modem); err != nil {
			return err
		}
		if err := r.SetDTR(modem); err != nil {
			return err
		}
	}
	if cur&OptCREAD != opts&OptCREAD {
		var err error
		if opts&OptCREAD != 0 {
			_, err = r.EnableInterrupt(mz25.IerRDAIEN)
		} else {
			_, err = r.DisableInterrupt(mz25.IerRDAIEN)
		}
		if err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.options = opts
	c.mu.Unlock()
	return nil
}

func (c *Channel) modemStatus() (int, error) {
	msr, err := c.regs.ReadMSR()
	if err != nil {
		return 0, err
	}
	mcr, err := c.regs.ReadMCR()
	if err != nil {
		return 0, err
	}
	bits := []struct {
		set  bool
		flag int
	}{
		{msr&mz25.MsrCTS != 0, ModemCTS},
		{msr&mz25.MsrDSR != 0, ModemDSR},
		{msr&mz25.MsrRI != 0, ModemRI},
		{msr&mz25.MsrDCD != 0, ModemCD},
		{mcr&mz25.McrRTS != 0, ModemRTS},
		{mcr&mz25.McrDTR != 0, ModemDTR},
	}
	v := 0
	for _, b := range bits {
		if b.set {
			v |= b.flag
		}
	}
	return v, nil
}

// setModemBits raises or drops DTR and RTS. Other bits are ignored.
func (c *Channel) setModemBits(mask int, on bool) error {
	if mask&ModemDTR != 0 {
		if err := c.regs.SetDTR(on); err != nil {
			return err
		}
	}
	if mask&ModemRTS != 0 {
		if err := c.regs.SetRTS(on); err != nil {
			return err
		}
	}
	return nil
}
