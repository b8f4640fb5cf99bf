// Package config loads the YAML driver descriptor. The keys follow the
// board and device descriptors of the MDIS driver, spelled in snake case.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tinyrange/z25/internal/mz25"
	"github.com/tinyrange/z25/internal/pci"
	"github.com/tinyrange/z25/internal/z25"
	"gopkg.in/yaml.v3"
)

const DefaultFilename = "z25.yaml"

// Descriptor describes one FPGA function and its UART channels.
type Descriptor struct {
	Version int `yaml:"version"`

	Board    Board     `yaml:"board"`
	Device   Device    `yaml:"device"`
	Channels []Channel `yaml:"channels,omitempty"`
}

// Board locates the FPGA behind its bridges.
type Board struct {
	// PCIBusPath lists the device numbers of the bridges leading to the
	// FPGA's bus.
	PCIBusPath      []int `yaml:"pci_bus_path,omitempty"`
	PCIDeviceNumber *int  `yaml:"pci_device_number,omitempty"`
	// PCIBusSlot is used when PCIDeviceNumber is absent. The slot number
	// is taken as the device number.
	PCIBusSlot int `yaml:"pci_bus_slot,omitempty"`
	PCIDomain  int `yaml:"pci_domain,omitempty"`
}

type Device struct {
	PCIVendorID uint16 `yaml:"pci_vendor_id,omitempty"`
	PCIDeviceID uint16 `yaml:"pci_device_id,omitempty"`
	DebugLevel  string `yaml:"debug_level,omitempty"`

	// IDCheck makes the found function's vendor and device id match the
	// descriptor.
	IDCheck bool `yaml:"id_check,omitempty"`
	// DeviceSlot is the handle-wide index of the channel described by
	// Channels[0].
	DeviceSlot int `yaml:"device_slot,omitempty"`

	UsePCIIRQ     bool   `yaml:"use_pci_irq,omitempty"`
	IRQBase       int    `yaml:"irq_base,omitempty"`
	IRQOffset     int    `yaml:"irq_offset,omitempty"`
	UARTFrequency uint32 `yaml:"uart_frequency,omitempty"`

	// Path overrides the board keys, as hex hops ("0x1e 0x0e 0x00") or a
	// location ("PCI0:2.0.0").
	Path string `yaml:"path,omitempty"`
	Name string `yaml:"name,omitempty"`
}

type Channel struct {
	BaudRate     int    `yaml:"baud_rate,omitempty"`
	RxBuffSize   int    `yaml:"rx_buff_size,omitempty"`
	TxBuffSize   int    `yaml:"tx_buff_size,omitempty"`
	FIFOLevel    int    `yaml:"fifo_level,omitempty"`
	TxFIFOLevel  int    `yaml:"tx_fifo_level,omitempty"`
	DataBits     int    `yaml:"data_bits,omitempty"`
	StopBits     int    `yaml:"stop_bits,omitempty"`
	Parity       string `yaml:"parity,omitempty"`
	Mode         string `yaml:"mode,omitempty"`
	ModemControl bool   `yaml:"modem_control,omitempty"`
}

var parities = map[string]mz25.Parity{
	"none": mz25.ParityNone,
	"even": mz25.ParityEven,
	"odd":  mz25.ParityOdd,
}

var modes = map[string]mz25.SerialMode{
	"rs232":      mz25.ModeRS232,
	"rs485-full": mz25.ModeRS485Full,
	"rs485-half": mz25.ModeRS485Half,
}

func (c *Channel) normalize() {
	d := z25.DefaultChannelSettings()
	if c.BaudRate == 0 {
		c.BaudRate = d.BaudRate
	}
	if c.RxBuffSize == 0 {
		c.RxBuffSize = d.RxBufferSize
	}
	if c.TxBuffSize == 0 {
		c.TxBuffSize = d.TxBufferSize
	}
	if c.FIFOLevel == 0 {
		c.FIFOLevel = d.RxTrigger
	}
	if c.TxFIFOLevel == 0 {
		c.TxFIFOLevel = d.TxTrigger
	}
	if c.DataBits == 0 {
		c.DataBits = d.DataBits
	}
	if c.StopBits == 0 {
		c.StopBits = d.StopBits
	}
	c.Parity = strings.ToLower(c.Parity)
	if c.Parity == "" {
		c.Parity = "none"
	}
	c.Mode = strings.ToLower(c.Mode)
	if c.Mode == "" {
		c.Mode = "rs232"
	}
}

func (c Channel) validate() error {
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("data_bits %d out of range 5..8", c.DataBits)
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return fmt.Errorf("stop_bits %d is not 1 or 2", c.StopBits)
	}
	if _, ok := parities[c.Parity]; !ok {
		return fmt.Errorf("unknown parity %q", c.Parity)
	}
	if _, ok := modes[c.Mode]; !ok {
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	return nil
}

func (d *Descriptor) normalize() {
	if d.Version == 0 {
		d.Version = 1
	}
	for i := range d.Channels {
		d.Channels[i].normalize()
	}
}

// Validate checks the descriptor after defaults are applied.
func (d *Descriptor) Validate() error {
	if d.Board.PCIDomain < 0 || d.Board.PCIDomain > z25.MaxDomains {
		return fmt.Errorf("pci_domain %d out of range 0..%d", d.Board.PCIDomain, z25.MaxDomains)
	}
	if _, err := z25.ParseDebugLevel(d.Device.DebugLevel); err != nil {
		return err
	}
	if _, err := d.PathString(); err != nil {
		return err
	}
	for i, c := range d.Channels {
		if err := c.validate(); err != nil {
			return fmt.Errorf("channels[%d]: %w", i, err)
		}
	}
	return nil
}

// PathString returns the device path handed to z25.CreateDevice.
func (d *Descriptor) PathString() (string, error) {
	if d.Device.Path != "" {
		if _, err := pci.ParsePath(d.Device.Path); err != nil {
			return "", err
		}
		return d.Device.Path, nil
	}
	if len(d.Board.PCIBusPath) == 0 {
		return "", fmt.Errorf("config: neither path nor pci_bus_path set")
	}
	dev := d.Board.PCIBusSlot
	if d.Board.PCIDeviceNumber != nil {
		dev = *d.Board.PCIDeviceNumber
	}
	hops := append(pci.BusPath(nil), d.Board.PCIBusPath...)
	hops = append(hops, dev)
	for _, h := range hops {
		if h < 0 || h > 0xff {
			return "", fmt.Errorf("config: path hop %d out of range", h)
		}
	}
	return hops.String(), nil
}

// ChannelSettings returns the install settings of the channel with
// handle-wide index n. Channels not described get the defaults.
func (d *Descriptor) ChannelSettings(n int) z25.ChannelSettings {
	s := z25.DefaultChannelSettings()
	i := n - d.Device.DeviceSlot
	if i < 0 || i >= len(d.Channels) {
		return s
	}
	c := d.Channels[i]
	c.normalize()
	s.BaudRate = c.BaudRate
	s.DataBits = c.DataBits
	s.StopBits = c.StopBits
	s.Parity = parities[c.Parity]
	s.Mode = modes[c.Mode]
	s.RxTrigger = c.FIFOLevel
	s.TxTrigger = c.TxFIFOLevel
	s.RxBufferSize = c.RxBuffSize
	s.TxBufferSize = c.TxBuffSize
	s.ModemControl = c.ModemControl
	return s
}

// DriverConfig returns the handle configuration without the bus accessors,
// which the caller fills in.
func (d *Descriptor) DriverConfig() (z25.Config, error) {
	level, err := z25.ParseDebugLevel(d.Device.DebugLevel)
	if err != nil {
		return z25.Config{}, err
	}
	return z25.Config{
		Domain:        d.Board.PCIDomain,
		UsePCIIRQ:     d.Device.UsePCIIRQ,
		IRQOffset:     d.Device.IRQOffset,
		IRQBase:       d.Device.IRQBase,
		UARTFrequency: d.Device.UARTFrequency,
		Name:          d.Device.Name,
		DebugLevel:    level,
		Channel:       d.ChannelSettings,
	}, nil
}

// CheckID compares a found function against the descriptor ids when
// id_check is set. Zero ids match anything.
func (d *Descriptor) CheckID(p z25.PathInfo) error {
	if !d.Device.IDCheck {
		return nil
	}
	if d.Device.PCIVendorID != 0 && p.VendorID != d.Device.PCIVendorID {
		return fmt.Errorf("config: vendor id 0x%04x at %s, want 0x%04x", p.VendorID, p.Location, d.Device.PCIVendorID)
	}
	if d.Device.PCIDeviceID != 0 && p.DeviceID != d.Device.PCIDeviceID {
		return fmt.Errorf("config: device id 0x%04x at %s, want 0x%04x", p.DeviceID, p.Location, d.Device.PCIDeviceID)
	}
	return nil
}

// Parse decodes a descriptor and applies defaults.
func Parse(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("parse descriptor: %w", err)
	}
	d.normalize()
	if err := d.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("invalid descriptor: %w", err)
	}
	return d, nil
}

// Load reads a descriptor file. A directory is searched for DefaultFilename.
func Load(path string) (Descriptor, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, DefaultFilename)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return Parse(data)
}

// Template returns a descriptor for the simulated board with n default
// channels.
func Template(n int) Descriptor {
	dev := 0
	d := Descriptor{
		Board: Board{
			PCIBusPath:      []int{0x1e, 0x0e},
			PCIDeviceNumber: &dev,
		},
		Device: Device{
			PCIVendorID: pci.VendorMEN,
			DebugLevel:  "off",
			UsePCIIRQ:   true,
		},
	}
	d.Channels = make([]Channel, n)
	d.normalize()
	return d
}

// WriteTemplate writes d as YAML to path.
func WriteTemplate(path string, d Descriptor) error {
	d.normalize()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create descriptor dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&d); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	return nil
}
