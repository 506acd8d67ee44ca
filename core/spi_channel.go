package core

import "errors"

var (
	ErrUnknownChannel       = errors.New("spi: no chip select pin for channel")
	ErrChannelNotConfigured = errors.New("spi: channel not set up")
)

// SPIChannel identifies a logical peripheral sharing the bus
type SPIChannel uint8

// MaxSPIChannels bounds the channel registry
const MaxSPIChannels = 8

// ChipSelect is the select line of one channel, bound to its pin and
// polarity at setup time. Assert and Deassert drive exactly that pin.
type ChipSelect struct {
	gpio       GPIODriver
	pin        GPIOPin
	activeHigh bool
}

// Assert drives the line to its active level
func (cs ChipSelect) Assert() error {
	return cs.gpio.SetPin(cs.pin, cs.activeHigh)
}

// Deassert drives the line to its inactive level
func (cs ChipSelect) Deassert() error {
	return cs.gpio.SetPin(cs.pin, !cs.activeHigh)
}

// Pin returns the GPIO the select line drives
func (cs ChipSelect) Pin() GPIOPin {
	return cs.pin
}

// channelSlot is one registry entry
type channelSlot struct {
	hasPin     bool
	configured bool
	perByte    bool
	cs         ChipSelect
}

// ChannelInfo is a read-only view of a registry entry
type ChannelInfo struct {
	Channel    SPIChannel
	Pin        GPIOPin
	ActiveHigh bool
	PerByte    bool
	Configured bool
}

// channelRegistry holds per-channel chip-select configuration.
// Fixed size so the interrupt handler never touches a map.
type channelRegistry struct {
	gpio  GPIODriver
	slots [MaxSPIChannels]channelSlot
}

func newChannelRegistry(gpio GPIODriver, pins map[SPIChannel]GPIOPin) (*channelRegistry, error) {
	r := &channelRegistry{gpio: gpio}
	for ch, pin := range pins {
		if int(ch) >= MaxSPIChannels {
			return nil, ErrUnknownChannel
		}
		r.slots[ch] = channelSlot{
			hasPin: true,
			cs:     ChipSelect{gpio: gpio, pin: pin},
		}
	}
	return r, nil
}

// setup records polarity and toggle policy, drives the line inactive and
// makes the pin an output.
func (r *channelRegistry) setup(ch SPIChannel, activeHigh, perByte bool) error {
	slot, err := r.slot(ch)
	if err != nil {
		return err
	}

	slot.cs.activeHigh = activeHigh
	slot.perByte = perByte
	if err := slot.cs.Deassert(); err != nil {
		return err
	}
	if err := r.gpio.ConfigureOutput(slot.cs.pin); err != nil {
		return err
	}
	slot.configured = true
	return nil
}

// lookup returns a configured channel
func (r *channelRegistry) lookup(ch SPIChannel) (*channelSlot, error) {
	slot, err := r.slot(ch)
	if err != nil {
		return nil, err
	}
	if !slot.configured {
		return nil, ErrChannelNotConfigured
	}
	return slot, nil
}

func (r *channelRegistry) slot(ch SPIChannel) (*channelSlot, error) {
	if int(ch) >= MaxSPIChannels || !r.slots[ch].hasPin {
		return nil, ErrUnknownChannel
	}
	return &r.slots[ch], nil
}

func (r *channelRegistry) info(ch SPIChannel) (ChannelInfo, error) {
	slot, err := r.slot(ch)
	if err != nil {
		return ChannelInfo{}, err
	}
	return ChannelInfo{
		Channel:    ch,
		Pin:        slot.cs.pin,
		ActiveHigh: slot.cs.activeHigh,
		PerByte:    slot.perByte,
		Configured: slot.configured,
	}, nil
}
