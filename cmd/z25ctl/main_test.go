package main

import (
	"context"
	"testing"

	"github.com/tinyrange/z25/internal/config"
	"github.com/tinyrange/z25/internal/stream"
)

func TestSimulationTransmit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	desc := config.Template(4)
	sim, err := newSimulation(desc, 2)
	if err != nil {
		t.Fatalf("newSimulation: %v", err)
	}
	if err := sim.install(ctx, desc); err != nil {
		t.Fatalf("install: %v", err)
	}
	defer func() {
		cancel()
		sim.close()
	}()

	if n := len(sim.h.Channels()); n != 6 {
		t.Fatalf("channels = %d, want 6", n)
	}
	if n := len(sim.h.Groups()); n != 2 {
		t.Fatalf("groups = %d, want 2", n)
	}

	ch, err := sim.channel(5)
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	if ch.Name() != "/tyZ25_0/2" {
		t.Fatalf("name = %q", ch.Name())
	}
	if _, err := applyControl(ch, "baud_set=9600"); err != nil {
		t.Fatalf("applyControl: %v", err)
	}
	if v, err := applyControl(ch, "BAUD_GET"); err != nil || v != 9600 {
		t.Fatalf("BAUD_GET = %d, %v", v, err)
	}
	if _, err := applyControl(ch, "NOPE=1"); err == nil {
		t.Fatalf("unknown control accepted")
	}
	if _, err := applyControl(ch, "BAUD_SET=fast"); err == nil {
		t.Fatalf("bad value accepted")
	}

	if err := ch.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ch.Registers().SetLoopback(true); err != nil {
		t.Fatalf("SetLoopback: %v", err)
	}
	buf := ch.Stream().(*stream.Buffer)
	if _, err := buf.WriteContext(ctx, []byte("ping")); err != nil {
		t.Fatalf("WriteContext: %v", err)
	}
	got := make([]byte, 0, 4)
	p := make([]byte, 8)
	for len(got) < 4 {
		n, err := buf.ReadContext(ctx, p)
		if err != nil {
			t.Fatalf("ReadContext: %v", err)
		}
		got = append(got, p[:n]...)
	}
	if string(got) != "ping" {
		t.Fatalf("looped = %q", got)
	}
}

func TestSimulationRejectsDirectPath(t *testing.T) {
	desc := config.Template(1)
	desc.Device.Path = "PCI0:2.0.0"
	if _, err := newSimulation(desc, 0); err == nil {
		t.Fatalf("expected error")
	}
}
