package core

// RDK peripheral channels sharing the serial bus
const (
	ChannelSD    SPIChannel = 0 // SD card socket
	ChannelWiFi  SPIChannel = 1 // WiFi module (SPI slave)
	ChannelLCD   SPIChannel = 2 // Graphic LCD
	ChannelPMOD1 SPIChannel = 3 // PMOD connector 1
	ChannelPMOD2 SPIChannel = 4 // PMOD connector 2
)

// DefaultBitRate is the bus rate applied by Init when a board leaves it unset
const DefaultBitRate = 1000000

// BoardConfig describes how a target wires the bus
type BoardConfig struct {
	Clock          ClockSpec
	BitRate        uint32                 // Initial bus rate in Hz
	ChipSelectPins map[SPIChannel]GPIOPin // Select line per channel
}

// ChannelName returns a short label for diagnostics
func ChannelName(ch SPIChannel) string {
	switch ch {
	case ChannelSD:
		return "sd"
	case ChannelWiFi:
		return "wifi"
	case ChannelLCD:
		return "lcd"
	case ChannelPMOD1:
		return "pmod1"
	case ChannelPMOD2:
		return "pmod2"
	}
	return "ch" + itoa(int(ch))
}
