//go:build rp2040 && lcd

package main

import (
	"image/color"
	"machine"

	"tinygo.org/x/drivers/st7735"

	"rdkfw/core"
)

// LCD control lines; select is driven by the engine
const (
	pinLCDReset = machine.GPIO14
	pinLCDDC    = machine.GPIO15
	pinLCDLight = machine.GPIO13
)

// startLCD brings the panel up through the shared bus and clears it, so a
// lit screen shows the engine and the LCD channel are working
func startLCD() {
	engine := core.MustSPI()
	if err := engine.ChannelSetup(core.ChannelLCD, false, false); err != nil {
		core.DebugPrintln("[LCD] channel setup: " + err.Error())
		return
	}

	dev := core.NewSPIDevice(engine, core.ChannelLCD)
	lcd := st7735.New(dev, pinLCDReset, pinLCDDC, machine.NoPin, pinLCDLight)
	lcd.Configure(st7735.Config{Rotation: st7735.ROTATION_90})
	lcd.FillScreen(color.RGBA{R: 0, G: 0x40, B: 0x80, A: 0xFF})
	lcd.EnableBacklight(true)
}
