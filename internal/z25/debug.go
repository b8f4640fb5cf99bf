package z25

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// DebugLevel selects which driver areas log at debug level and how much.
// The low two bits are the verbosity, 0 to 3.
type DebugLevel uint32

const (
	DebugVerbosityMask DebugLevel = 0x3

	DebugInit      DebugLevel = 1 << 8
	DebugIRQ       DebugLevel = 1 << 9
	DebugIoctl     DebugLevel = 1 << 10
	DebugDiscovery DebugLevel = 1 << 11

	DebugAll = DebugInit | DebugIRQ | DebugIoctl | DebugDiscovery | DebugVerbosityMask
)

var debugAreas = []struct {
	name string
	bit  DebugLevel
}{
	{"init", DebugInit},
	{"irq", DebugIRQ},
	{"ioctl", DebugIoctl},
	{"discovery", DebugDiscovery},
}

// Verbosity returns the verbosity bits.
func (l DebugLevel) Verbosity() int { return int(l & DebugVerbosityMask) }

// Has reports whether every area in f is enabled.
func (l DebugLevel) Has(f DebugLevel) bool {
	f &^= DebugVerbosityMask
	return f != 0 && l&f == f
}

func (l DebugLevel) String() string {
	var parts []string
	for _, a := range debugAreas {
		if l&a.bit != 0 {
			parts = append(parts, a.name)
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "off")
	}
	if v := l.Verbosity(); v > 0 {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ",")
}

// ParseDebugLevel accepts a comma separated list of area names and an
// optional verbosity digit ("init,irq,2"), "all", "off", or a number.
func ParseDebugLevel(s string) (DebugLevel, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "off" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 0, 32); err == nil && len(s) > 1 {
		return DebugLevel(n), nil
	}
	var l DebugLevel
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "all" {
			l |= DebugAll
			continue
		}
		if len(field) == 1 && field[0] >= '0' && field[0] <= '3' {
			l = l&^DebugVerbosityMask | DebugLevel(field[0]-'0')
			continue
		}
		found := false
		for _, a := range debugAreas {
			if a.name == field {
				l |= a.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("z25: unknown debug area %q", field)
		}
	}
	return l, nil
}

// logger gates debug output on a DebugLevel. Warnings and errors are always
// emitted.
type logger struct {
	log   *slog.Logger
	level DebugLevel
}

func newLogger(log *slog.Logger, level DebugLevel) logger {
	if log == nil {
		log = slog.Default()
	}
	return logger{log: log, level: level}
}

// enabled reports whether area logs at verbosity v.
func (l logger) enabled(area DebugLevel, v int) bool {
	return l.level.Has(area) && l.level.Verbosity() >= v
}

func (l logger) debug(area DebugLevel, v int, msg string, args ...any) {
	if l.enabled(area, v) {
		l.log.Debug(msg, args...)
	}
}

func (l logger) warn(msg string, args ...any) { l.log.Warn(msg, args...) }

func (l logger) error(msg string, args ...any) { l.log.Error(msg, args...) }

// registerLogger is handed to mz25 channels. Register traces go out only
// when ioctl debugging is on.
func (l logger) registerLogger() *slog.Logger {
	if l.level.Has(DebugIoctl) {
		return l.log
	}
	return slog.New(slog.DiscardHandler)
}
