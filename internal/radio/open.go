package radio

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/rjboer/tddstream/internal/timespec"
)

// Args is a parsed device address string such as "type=sim,rx_channels=2".
type Args map[string]string

// ParseArgs splits comma separated key=value pairs. A bare key maps to "".
func ParseArgs(s string) (Args, error) {
	args := Args{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, errors.Errorf("malformed device argument %q", part)
		}
		args[key] = strings.TrimSpace(value)
	}
	return args, nil
}

func (a Args) String() string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+a[k])
	}
	return strings.Join(parts, ",")
}

func (a Args) intArg(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "device argument %s", key)
	}
	return n, nil
}

// Open constructs a device from its address string. Failures are returned as
// *DeviceConstructionError.
func Open(ctx context.Context, s string) (Device, error) {
	dev, err := open(ctx, s)
	if err != nil {
		return nil, &DeviceConstructionError{Args: s, Err: err}
	}
	return dev, nil
}

func open(ctx context.Context, s string) (Device, error) {
	args, err := ParseArgs(s)
	if err != nil {
		return nil, err
	}
	var dev Device
	switch args["type"] {
	case "sim":
		dev, err = openSim(args)
	case "":
		return nil, errors.New("no device type given (use type=sim)")
	default:
		return nil, errors.Errorf("unsupported device type %q", args["type"])
	}
	if err != nil {
		return nil, err
	}

	switch args["gpio"] {
	case "", "device":
		return dev, nil
	case "ssh":
		gpio, err := openSSHGPIO(ctx, args)
		if err != nil {
			_ = dev.Close()
			return nil, err
		}
		return &withGPIO{Device: dev, gpio: gpio}, nil
	default:
		_ = dev.Close()
		return nil, errors.Errorf("unsupported gpio backend %q", args["gpio"])
	}
}

func openSim(args Args) (Device, error) {
	var cfg SimConfig
	var err error
	if cfg.TxChannels, err = args.intArg("tx_channels", 1); err != nil {
		return nil, err
	}
	if cfg.RxChannels, err = args.intArg("rx_channels", 1); err != nil {
		return nil, err
	}
	if cfg.SamplesPerPacket, err = args.intArg("spp", 2000); err != nil {
		return nil, err
	}
	if cfg.TxQueueDepth, err = args.intArg("tx_queue", 0); err != nil {
		return nil, err
	}
	if tone, ok := args["tone"]; ok {
		if cfg.ToneHz, err = strconv.ParseFloat(tone, 64); err != nil {
			return nil, errors.Wrap(err, "device argument tone")
		}
	}
	if cfg.TxChannels <= 0 || cfg.RxChannels <= 0 {
		return nil, errors.New("channel counts must be positive")
	}
	return NewSim(cfg), nil
}

func openSSHGPIO(ctx context.Context, args Args) (*SSHGPIO, error) {
	port, err := args.intArg("ssh_port", 22)
	if err != nil {
		return nil, err
	}
	base, err := args.intArg("gpio_base", 0)
	if err != nil {
		return nil, err
	}
	cfg := SSHConfig{
		Host:      args["ssh_host"],
		User:      args["ssh_user"],
		Password:  args["ssh_password"],
		KeyPath:   args["ssh_key"],
		Port:      port,
		SysfsRoot: args["gpio_root"],
		Base:      base,
	}
	if banks := args["gpio_banks"]; banks != "" {
		cfg.Banks = strings.Split(banks, ":")
	}
	gpio, err := NewSSHGPIO(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "gpio backend")
	}
	if err := gpio.Connect(ctx); err != nil {
		return nil, errors.Wrapf(err, "connect gpio backend %s", cfg.Host)
	}
	return gpio, nil
}

// withGPIO routes the GPIO surface of a device to a separate backend.
type withGPIO struct {
	Device
	gpio *SSHGPIO
}

func (d *withGPIO) GPIOBanks(ch int) []string { return d.gpio.GPIOBanks(ch) }

func (d *withGPIO) SetGPIOAttr(bank, attr string, value, mask uint32) error {
	return d.gpio.SetGPIOAttr(bank, attr, value, mask)
}

func (d *withGPIO) SetCommandTime(t timespec.Time) error { return d.gpio.SetCommandTime(t) }
func (d *withGPIO) ClearCommandTime() error             { return d.gpio.ClearCommandTime() }

func (d *withGPIO) String() string { return d.Device.String() + " + ssh gpio" }

func (d *withGPIO) Close() error {
	gerr := d.gpio.Close()
	if err := d.Device.Close(); err != nil {
		return err
	}
	return gerr
}
