package core

import (
	"strings"
	"testing"
	"time"
)

func TestBusTraceRecordsTransfer(t *testing.T) {
	e, port, _ := newTestEngine(t)
	e.ChannelSetup(ChannelLCD, false, false)

	SetBusTraceEnabled(true)
	defer SetBusTraceEnabled(false)
	ClearBusTrace()

	e.Transfer(ChannelLCD, []byte{0xAB, 0xCD}, make([]byte, 2), nil)
	port.Drain()

	expected := []uint8{BusEvtAssert, BusEvtKick, BusEvtReceive, BusEvtReceive, BusEvtDeassert, BusEvtComplete}
	events := BusTrace()
	if len(events) != len(expected) {
		t.Fatalf("Expected %d events, got %d: %+v", len(expected), len(events), events)
	}
	for i, evt := range events {
		if evt.Type != expected[i] {
			t.Errorf("Event %d: expected %s, got %s", i, busEventName(expected[i]), busEventName(evt.Type))
		}
		if evt.Channel != ChannelLCD {
			t.Errorf("Event %d: expected channel lcd, got %d", i, evt.Channel)
		}
		if i > 0 && evt.Seq != events[i-1].Seq+1 {
			t.Errorf("Event %d: sequence not contiguous", i)
		}
	}
	if events[3].Value != 0xCD {
		t.Errorf("Second receive should record 0xCD, got 0x%x", events[3].Value)
	}

	var lines []string
	SetDebugWriter(func(s string) { lines = append(lines, s) })
	defer SetDebugWriter(func(string) {})
	DumpBusTrace()

	if len(lines) != len(expected)+2 {
		t.Fatalf("Expected %d dump lines, got %d", len(expected)+2, len(lines))
	}
	if !strings.Contains(lines[2], "KICK lcd v=0xab") {
		t.Errorf("Unexpected dump line %q", lines[2])
	}
}

func TestBusTraceWraps(t *testing.T) {
	SetBusTraceEnabled(true)
	defer SetBusTraceEnabled(false)
	ClearBusTrace()

	for i := 0; i < BusTraceSize+10; i++ {
		RecordBusEvent(BusEvtReceive, ChannelSD, uint32(i))
	}

	events := BusTrace()
	if len(events) != BusTraceSize {
		t.Fatalf("Expected %d events, got %d", BusTraceSize, len(events))
	}
	if events[0].Value != 10 || events[len(events)-1].Value != BusTraceSize+9 {
		t.Errorf("Expected oldest 10 and newest %d, got %d and %d",
			BusTraceSize+9, events[0].Value, events[len(events)-1].Value)
	}
}

func TestBusTraceDisabled(t *testing.T) {
	SetBusTraceEnabled(false)
	ClearBusTrace()
	RecordBusEvent(BusEvtAssert, ChannelSD, 0)

	if n := len(BusTrace()); n != 0 {
		t.Errorf("Disabled trace should stay empty, got %d events", n)
	}
}

func TestDebugPrintlnGated(t *testing.T) {
	var lines []string
	SetDebugWriter(func(s string) { lines = append(lines, s) })
	defer SetDebugWriter(func(string) {})

	SetDebugEnabled(false)
	DebugPrintln("hidden")
	SetDebugEnabled(true)
	DebugPrintln("shown")
	SetDebugEnabled(false)

	if len(lines) != 1 || lines[0] != "shown" {
		t.Errorf("Expected only the enabled message, got %v", lines)
	}
}

func TestDebugAsync(t *testing.T) {
	got := make(chan string, 4)
	SetDebugWriter(func(s string) { got <- s })
	defer SetDebugWriter(func(string) {})
	InitAsyncDebug()

	DebugAsync("dropped while disabled")
	SetDebugEnabled(true)
	DebugAsync("queued")
	SetDebugEnabled(false)

	select {
	case msg := <-got:
		if msg != "queued" {
			t.Errorf("Expected the enabled message, got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("Async debug message never arrived")
	}
}
