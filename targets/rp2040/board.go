//go:build rp2040

package main

import (
	"machine"

	"rdkfw/core"
)

// Bus pins
const (
	pinSCK = machine.GPIO18
	pinSDO = machine.GPIO19
	pinSDI = machine.GPIO16
)

// boardPins maps each peripheral channel to its select line
var boardPins = map[core.SPIChannel]core.GPIOPin{
	core.ChannelSD:    17,
	core.ChannelWiFi:  20,
	core.ChannelLCD:   21,
	core.ChannelPMOD1: 22,
	core.ChannelPMOD2: 26,
}

// busPort is implemented by the hardware SSP port and the PIO port
type busPort interface {
	core.SPIPort
	ClockSpec() core.ClockSpec
	Name() string
}
