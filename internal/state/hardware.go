package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/teplo/navitele/hardware/rs485"
	"github.com/teplo/navitele/hardware/uart"
	"github.com/teplo/navitele/helpers"
)

type hardware struct {
	Uart struct {
		once
		Uarter uart.Uarter
	}
	RS485 struct {
		once
		receiver *rs485.Receiver
	}
}

// Uart opens the serial tap on first use. Config errors and open errors are
// cached, repeat calls return the same result.
func (g *Global) Uart() (uart.Uarter, error) {
	x := &g.Hardware.Uart // short alias
	_ = x.do(func() error {
		if x.Uarter != nil { // test code sets .Uarter
			return nil
		}

		cfg := &g.Config.Hardware.Uart
		timeout := time.Duration(cfg.ReadTimeoutMs) * time.Millisecond
		switch cfg.Driver {
		case "file":
			x.Uarter = uart.NewFileUart(cfg.Baud, timeout)

		case "mock":
			mock := uart.NewMockUart()
			mock.Timeout = timeout
			x.Uarter = mock

		default:
			return errors.NotValidf("config: uart.driver=%s valid: file, mock", cfg.Driver)
		}

		if err := x.Uarter.Open(cfg.Device); err != nil {
			return errors.Annotatef(err, "config: uart=%+v", cfg)
		}
		return nil
	})
	return x.Uarter, x.err
}

// RS485 drives the transceiver enable line low so the tap only listens.
// Disabled config is not an error, bench setups read from a pipe.
func (g *Global) RS485() (*rs485.Receiver, error) {
	x := &g.Hardware.RS485 // short alias
	_ = x.do(func() error {
		cfg := &g.Config.Hardware.RS485
		if !cfg.Enable {
			g.Log.Infof("rs485 disabled")
			return nil
		}
		var err error
		x.receiver, err = rs485.Open(cfg.Chip, cfg.Pin)
		return errors.Annotatef(err, "config: rs485=%+v", cfg)
	})
	return x.receiver, x.err
}

// CloseHardware releases the serial port and the GPIO line on shutdown.
func (g *Global) CloseHardware() error {
	errs := make([]error, 0, 2)
	if x := &g.Hardware.Uart; x.done() && x.Uarter != nil {
		errs = append(errs, x.Uarter.Close())
	}
	if x := &g.Hardware.RS485; x.done() && x.receiver != nil {
		errs = append(errs, x.receiver.Close())
	}
	return helpers.FoldErrors(errs)
}

type once struct {
	sync.Mutex
	called uint32 // atomic bool
	err    error
}

func (o *once) done() bool {
	return atomic.LoadUint32(&o.called) == 1
}

func (o *once) do(f func() error) error {
	if o.done() { // fast path
		return o.err
	}
	o.Lock()
	defer o.Unlock()
	if o.done() {
		return o.err
	}
	o.err = f()
	atomic.StoreUint32(&o.called, 1)
	return o.err
}
