// Package rs485 parks the bus transceiver in receive mode.
//
// The heater bus is tapped through an RS-485 transceiver whose driver-enable
// pin hangs on a GPIO line. This process only listens, so the line is driven
// low once at startup and held for the life of the process.
package rs485

import (
	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
	"github.com/teplo/navitele/helpers"
)

const consumerLabel = "navitele-rs485"

type Config struct { //nolint:maligned
	Chip   string `hcl:"chip"`
	Enable bool   `hcl:"enable"`
	Pin    uint32 `hcl:"pin"`
}

type Receiver struct {
	chip  gpio.Chiper
	lines gpio.Lineser
}

// Open requests the enable line as output and drives it low. Keep the
// Receiver for the process lifetime; releasing the line lets the board
// pull-up float the transceiver back towards transmit.
func Open(chipName string, pin uint32) (*Receiver, error) {
	chip, err := gpio.Open(chipName, consumerLabel)
	if err != nil {
		return nil, errors.Annotatef(err, "rs485 gpio open chip=%s", chipName)
	}
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, consumerLabel, pin)
	if err != nil {
		_ = chip.Close()
		return nil, errors.Annotatef(err, "rs485 gpio request line=%d", pin)
	}
	self := &Receiver{chip: chip, lines: lines}
	self.lines.SetFunc(pin)(0)
	if err = self.lines.Flush(); err != nil {
		_ = self.Close()
		return nil, errors.Annotatef(err, "rs485 drive low line=%d", pin)
	}
	return self, nil
}

func (self *Receiver) Close() error {
	errs := make([]error, 0, 2)
	if self.lines != nil {
		errs = append(errs, self.lines.Close())
		self.lines = nil
	}
	if self.chip != nil {
		errs = append(errs, self.chip.Close())
		self.chip = nil
	}
	return helpers.FoldErrors(errs)
}
