//go:build rp2040

package main

import (
	"machine"

	"rdkfw/core"
)

// debugOutput turns on firmware diagnostics over UART0
const debugOutput = false

var debugUART *machine.UART

// InitDebugUART routes core diagnostics to UART0 on GPIO0 (TX) and GPIO1
// (RX) at 115200 baud
func InitDebugUART() {
	debugUART = machine.UART0
	err := debugUART.Configure(machine.UARTConfig{
		BaudRate: 115200,
		TX:       machine.GPIO0,
		RX:       machine.GPIO1,
	})
	if err != nil {
		return
	}

	core.SetDebugWriter(func(s string) {
		debugUART.Write([]byte(s))
		debugUART.Write([]byte("\r\n"))
	})
	core.InitAsyncDebug()
	core.SetDebugEnabled(debugOutput)
	core.SetBusTraceEnabled(debugOutput)

	core.DebugPrintln("=== rdkfw debug UART ===")
}
