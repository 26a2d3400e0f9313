package tdd

import (
	"fmt"

	"github.com/rjboer/tddstream/internal/logging"
	"github.com/rjboer/tddstream/internal/radio"
	"github.com/rjboer/tddstream/internal/timespec"
)

// RotatingCode is a 3-bit counter. Next returns the current code and then
// advances it, wrapping from 7 to 0.
type RotatingCode struct {
	v uint8
}

func (c *RotatingCode) Next() uint8 {
	v := c.v
	c.v = (c.v + 1) & 7
	return v
}

// GPIOConfig selects the bank and pins that carry the rotating code.
type GPIOConfig struct {
	Bank  string
	Shift uint
	Mask  uint32
}

// DefaultGPIOConfig drives pins 7..9 of the front panel bank.
func DefaultGPIOConfig() GPIOConfig {
	return GPIOConfig{Bank: "FP0", Shift: 7, Mask: 0x380}
}

// GPIOCorrelator writes a rotating code to a GPIO bank at the device time of
// each transmit window, so external equipment can tell bursts apart.
type GPIOCorrelator struct {
	gpio   radio.GPIO
	cfg    GPIOConfig
	code   RotatingCode
	logger logging.Logger
}

// NewGPIOCorrelator builds a correlator for cfg.Bank on g.
func NewGPIOCorrelator(g radio.GPIO, cfg GPIOConfig, logger logging.Logger) *GPIOCorrelator {
	if cfg.Mask == 0 {
		cfg.Mask = 0x7 << cfg.Shift
	}
	return &GPIOCorrelator{
		gpio:   g,
		cfg:    cfg,
		logger: logging.OrDefault(logger).With(logging.Subsystem("gpio")),
	}
}

// Setup makes every pin of the bank an output under manual control.
func (c *GPIOCorrelator) Setup() error {
	banks := c.gpio.GPIOBanks(0)
	found := false
	for _, b := range banks {
		if b == c.cfg.Bank {
			found = true
			break
		}
	}
	c.logger.Info("gpio banks", logging.F("banks", banks), logging.F("using", c.cfg.Bank))
	if !found {
		return configErrorf("GPIO bank %q not available (have %v)", c.cfg.Bank, banks)
	}
	if err := c.gpio.SetGPIOAttr(c.cfg.Bank, "DDR", 0xfff, 0xfff); err != nil {
		return fmt.Errorf("set GPIO direction: %w", err)
	}
	if err := c.gpio.SetGPIOAttr(c.cfg.Bank, "CTRL", 0x0, 0xfff); err != nil {
		return fmt.Errorf("set GPIO manual control: %w", err)
	}
	return nil
}

// Mark writes the next code, timed to at. The code advances even when the
// write fails. A non-nil error is never fatal: the burst carries its own
// timestamp and is sent regardless.
func (c *GPIOCorrelator) Mark(at timespec.Time) (uint8, error) {
	code := c.code.Next()
	var timingErr error
	if err := c.gpio.SetCommandTime(at); err != nil {
		timingErr = fmt.Errorf("set command time %v: %w", at, err)
		c.logger.Warn("gpio code not time aligned", logging.F("code", code), logging.F("err", err))
	}
	if err := c.gpio.SetGPIOAttr(c.cfg.Bank, "OUT", uint32(code)<<c.cfg.Shift, c.cfg.Mask); err != nil {
		c.logger.Warn("gpio write failed", logging.F("code", code), logging.F("err", err))
		if timingErr == nil {
			timingErr = fmt.Errorf("write GPIO code: %w", err)
		}
	}
	if err := c.gpio.ClearCommandTime(); err != nil {
		c.logger.Warn("clear command time failed", logging.F("err", err))
	}
	return code, timingErr
}
