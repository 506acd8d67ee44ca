package core

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

// BusEvent captures one step of the bus state machine for post-mortem analysis
type BusEvent struct {
	Type    uint8      // Event type code
	Channel SPIChannel // Channel the event belongs to
	Value   uint32     // Byte shifted, byte count, etc.
	Seq     uint32     // Global sequence number
}

// Bus event type codes
const (
	BusEvtAssert   = 1 // Chip select driven active
	BusEvtDeassert = 2 // Chip select driven inactive
	BusEvtKick     = 3 // First byte written at acceptance
	BusEvtReceive  = 4 // Byte read in the ISR
	BusEvtOverrun  = 5 // Overrun flagged; Value is the receive index
	BusEvtComplete = 6 // Session released; Value is bytes received
	BusEvtSpurious = 7 // Interrupt with no session
)

const (
	BusTraceSize = 64 // Keep the last 64 events
)

var (
	// debugPrintln is the global debug print function (can be set by platform code)
	debugPrintln DebugWriter = func(s string) {}

	// debugEnabled controls whether DebugPrintln output is active
	debugEnabled bool

	// Bus trace ring, written from the ISR and from foreground
	busTrace        [BusTraceSize]BusEvent
	busTraceHead    uint8
	busTraceSeq     uint32
	busTraceEnabled bool

	// Async debug output channel
	debugChan chan string
)

// SetDebugWriter sets the platform-specific debug output function
func SetDebugWriter(writer DebugWriter) {
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// IsDebugEnabled returns whether debug output is enabled
func IsDebugEnabled() bool {
	return debugEnabled
}

// InitAsyncDebug starts the async debug output goroutine
// Call this from main() after SetDebugWriter
func InitAsyncDebug() {
	debugChan = make(chan string, 16)
	go debugOutputWorker()
}

func debugOutputWorker() {
	for msg := range debugChan {
		if debugPrintln != nil {
			debugPrintln(msg)
		}
	}
}

// DebugPrintln writes a debug message using the platform-specific writer
func DebugPrintln(msg string) {
	if debugEnabled && debugPrintln != nil {
		debugPrintln(msg)
	}
}

// DebugAsync queues a debug message for the output goroutine so a slow
// writer does not stall the caller. Foreground only: TinyGo channel
// operations are not interrupt safe. Drops the message when the queue is full.
func DebugAsync(msg string) {
	if debugEnabled && debugChan != nil {
		select {
		case debugChan <- msg:
		default:
		}
	}
}

// SetBusTraceEnabled turns bus event capture on or off
func SetBusTraceEnabled(enabled bool) {
	state := disableInterrupts()
	busTraceEnabled = enabled
	restoreInterrupts(state)
}

// RecordBusEvent appends an event to the trace ring
func RecordBusEvent(eventType uint8, ch SPIChannel, value uint32) {
	state := disableInterrupts()
	if busTraceEnabled {
		busTraceSeq++
		busTrace[busTraceHead] = BusEvent{
			Type:    eventType,
			Channel: ch,
			Value:   value,
			Seq:     busTraceSeq,
		}
		busTraceHead = (busTraceHead + 1) % BusTraceSize
	}
	restoreInterrupts(state)
}

// BusTrace returns the captured events, oldest first
func BusTrace() []BusEvent {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	events := make([]BusEvent, 0, BusTraceSize)
	start := busTraceHead
	for i := uint8(0); i < BusTraceSize; i++ {
		evt := busTrace[(start+i)%BusTraceSize]
		if evt.Type == 0 {
			continue
		}
		events = append(events, evt)
	}
	return events
}

// ClearBusTrace empties the ring
func ClearBusTrace() {
	state := disableInterrupts()
	for i := range busTrace {
		busTrace[i] = BusEvent{}
	}
	busTraceHead = 0
	restoreInterrupts(state)
}

// busEventName returns the label used in dumps
func busEventName(t uint8) string {
	switch t {
	case BusEvtAssert:
		return "CS_ASSERT"
	case BusEvtDeassert:
		return "CS_DEASSERT"
	case BusEvtKick:
		return "KICK"
	case BusEvtReceive:
		return "RX"
	case BusEvtOverrun:
		return "OVERRUN!"
	case BusEvtComplete:
		return "COMPLETE"
	case BusEvtSpurious:
		return "SPURIOUS"
	}
	return "UNKNOWN"
}

// DumpBusTrace writes the trace ring through the debug writer.
// Call it from foreground code, never from the ISR.
func DumpBusTrace() {
	if debugPrintln == nil {
		return
	}

	debugPrintln("[SPI] === Bus Trace ===")
	for _, evt := range BusTrace() {
		debugPrintln("[SPI] #" + itoa(int(evt.Seq)) +
			" " + busEventName(evt.Type) +
			" " + ChannelName(evt.Channel) +
			" v=" + hex8(uint8(evt.Value)) +
			" (" + itoa(int(evt.Value)) + ")")
	}
	debugPrintln("[SPI] === End Trace ===")
}
