package bootloader

import (
	"time"

	"github.com/piotrjaromin/gpio"
	"github.com/pkg/errors"
)

// StrapPins describes the GPIO lines that force a target microcontroller into
// its bootloader. They only apply when the host is itself a board wired to
// the target (an SBC flashing its companion device); USB-attached targets
// enter the bootloader on their own and leave this nil.
type StrapPins struct {
	PowerGPIO int
	BootGPIO  int
}

type straps struct {
	pinPower gpio.Pin
	pinBoot  gpio.Pin
}

func setupStraps(cfg *StrapPins) (*straps, error) {
	pinPower, err := gpio.NewOutput(uint(cfg.PowerGPIO), true)
	if err != nil {
		return nil, errors.Wrap(err, "could not setup power pin")
	}
	pinBoot, err := gpio.NewOutput(uint(cfg.BootGPIO), false)
	if err != nil {
		pinPower.Cleanup()
		return nil, errors.Wrap(err, "could not setup boot pin")
	}

	return &straps{pinPower: pinPower, pinBoot: pinBoot}, nil
}

// enterBootloader power-cycles the target with the boot strap asserted.
func (s *straps) enterBootloader() {
	s.pinPower.Low()
	s.pinBoot.High()
	time.Sleep(10 * time.Millisecond)
	s.pinPower.High()
	time.Sleep(10 * time.Millisecond)
}

// exitBootloader power-cycles the target back into its application.
func (s *straps) exitBootloader() {
	s.pinPower.Low()
	s.pinBoot.Low()
	time.Sleep(10 * time.Millisecond)
	s.pinPower.High()
	time.Sleep(10 * time.Millisecond)
}

func (s *straps) cleanup() {
	s.pinBoot.Cleanup()
	s.pinPower.Cleanup()
}
