package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rjboer/tddstream/internal/logging"
	"github.com/rjboer/tddstream/internal/radio"
	"github.com/rjboer/tddstream/internal/tdd"
	"github.com/rjboer/tddstream/internal/telemetry"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.LookupEnv, os.Stderr))
}

type cliConfig struct {
	args            string
	wire            string
	secs            float64
	nsampsRx        uint64
	nsampsTx        uint64
	txSampsAdvance  uint64
	rate            float64
	ampl            float64
	dilv            bool
	channels        string
	mode            string
	cadence         int
	gpioBank        string
	stopOnShortRead bool
	maxCycles       uint64
	analyze         bool
	realtime        bool
	logLevel        string
	logFormat       string
	webAddr         string
	historyLimit    int
	summaryEvery    uint64
	configPath      string
	saveConfig      string
}

// fileConfig is the on-disk form of the command line, read from JSON or YAML.
type fileConfig struct {
	Args            string  `json:"args" yaml:"args"`
	Wire            string  `json:"wire" yaml:"wire"`
	Secs            float64 `json:"secs" yaml:"secs"`
	NsampsRx        uint64  `json:"nsamps_rx" yaml:"nsamps_rx"`
	NsampsTx        uint64  `json:"nsamps_tx" yaml:"nsamps_tx"`
	TxSampsAdvance  uint64  `json:"tx_samps_advance" yaml:"tx_samps_advance"`
	Rate            float64 `json:"rate" yaml:"rate"`
	Ampl            float64 `json:"ampl" yaml:"ampl"`
	Dilv            bool    `json:"dilv" yaml:"dilv"`
	Channels        string  `json:"channels" yaml:"channels"`
	Mode            string  `json:"mode" yaml:"mode"`
	Cadence         int     `json:"cadence" yaml:"cadence"`
	GPIOBank        string  `json:"gpio_bank" yaml:"gpio_bank"`
	StopOnShortRead bool    `json:"stop_on_short_read" yaml:"stop_on_short_read"`
	MaxCycles       uint64  `json:"max_cycles" yaml:"max_cycles"`
	Analyze         bool    `json:"analyze" yaml:"analyze"`
	Realtime        bool    `json:"realtime" yaml:"realtime"`
	LogLevel        string  `json:"log_level" yaml:"log_level"`
	LogFormat       string  `json:"log_format" yaml:"log_format"`
	WebAddr         string  `json:"web_addr" yaml:"web_addr"`
	HistoryLimit    int     `json:"history_limit" yaml:"history_limit"`
	SummaryEvery    uint64  `json:"summary_every" yaml:"summary_every"`
}

func defaultFileConfig() fileConfig {
	d := tdd.DefaultConfig()
	return fileConfig{
		Args:           "type=sim",
		Secs:           d.LeadTime.Seconds(),
		NsampsRx:       d.RxSamples,
		NsampsTx:       d.TxSamples,
		TxSampsAdvance: d.TxAdvance,
		Rate:           d.Rate,
		Ampl:           float64(d.Amplitude),
		Channels:       "0",
		Mode:           d.Mode.String(),
		Cadence:        d.Cadence,
		GPIOBank:       d.GPIO.Bank,
		LogLevel:       "info",
		LogFormat:      "text",
		HistoryLimit:   1000,
		SummaryEvery:   1000,
	}
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool), stderr io.Writer) int {
	defaults := defaultFileConfig()
	if path := configPathFromArgs(args, lookup); path != "" {
		loaded, err := loadConfigFile(path, defaults)
		if err != nil {
			fmt.Fprintf(stderr, "load config: %v\n", err)
			return exitFailure
		}
		defaults = loaded
	}

	cli, err := parseConfig(args, lookup, defaults, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	level, err := logging.ParseLevel(cli.logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitUsage
	}
	format, err := logging.ParseFormat(cli.logFormat)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitUsage
	}
	logger := logging.New(level, format, stderr)
	logging.SetDefault(logger)

	if cli.saveConfig != "" {
		if err := saveConfigFile(cli.saveConfig, fileFromCLI(cli)); err != nil {
			logger.Error("save config failed", logging.F("path", cli.saveConfig), logging.F("err", err))
			return exitFailure
		}
		logger.Info("config saved", logging.F("path", cli.saveConfig))
	}

	cfg, err := sessionConfig(cli)
	if err != nil {
		logger.Error("invalid configuration", logging.F("err", err))
		return exitFailure
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	tok := tdd.NewCanceler()
	stopSignals := tdd.NotifyOnSignal(tok, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	logger.Info("creating the device", logging.F("args", cli.args))
	dev, err := radio.Open(ctx, cli.args)
	if err != nil {
		logger.Error("device construction failed", logging.F("err", err))
		return exitFailure
	}
	defer dev.Close()
	logger.Info("using device", logging.F("device", dev.String()))

	opts := []tdd.Option{
		tdd.WithLogger(logger),
		tdd.WithReporter(telemetry.NewStdoutReporter(logger, cli.summaryEvery)),
	}
	if cli.webAddr != "" {
		hub := telemetry.NewHub(cli.historyLimit, logger)
		opts = append(opts, tdd.WithReporter(hub))
		srv := telemetry.NewWebServer(cli.webAddr, hub, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("telemetry server failed", logging.F("err", err))
			}
		}()
	}

	sched := tdd.NewScheduler(dev, cfg, opts...)
	if err := sched.Setup(ctx); err != nil {
		logger.Error("setup failed", logging.F("err", err))
		return exitFailure
	}
	if err := sched.Run(ctx, tok); err != nil {
		logger.Error("streaming failed", logging.F("err", err))
		return exitFailure
	}
	logger.Info("done")
	return exitOK
}

func parseConfig(args []string, lookup func(string) (string, bool), defaults fileConfig, output io.Writer) (cliConfig, error) {
	cfg := cliConfig{}
	fs := flag.NewFlagSet("tddstream", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.args, "args", envString(lookup, "TDD_ARGS", defaults.Args), "Device address args (e.g. type=sim,rx_channels=2)")
	fs.StringVar(&cfg.wire, "wire", envString(lookup, "TDD_WIRE", defaults.Wire), "Over-the-wire sample format")
	fs.Float64Var(&cfg.secs, "secs", envFloat(lookup, "TDD_SECS", defaults.Secs), "Seconds in the future to start streaming")
	fs.Uint64Var(&cfg.nsampsRx, "nsamps-rx", envUint(lookup, "TDD_NSAMPS_RX", defaults.NsampsRx), "Samples per receive window")
	fs.Uint64Var(&cfg.nsampsTx, "nsamps-tx", envUint(lookup, "TDD_NSAMPS_TX", defaults.NsampsTx), "Samples per transmit window")
	fs.Uint64Var(&cfg.txSampsAdvance, "tx-samps-advance", envUint(lookup, "TDD_TX_SAMPS_ADVANCE", defaults.TxSampsAdvance), "Samples between a receive window and its reply burst (strict mode)")
	fs.Float64Var(&cfg.rate, "rate", envFloat(lookup, "TDD_RATE", defaults.Rate), "Sample rate in Hz for both directions")
	fs.Float64Var(&cfg.ampl, "ampl", envFloat(lookup, "TDD_AMPL", defaults.Ampl), "Amplitude of the transmitted burst")
	fs.BoolVar(&cfg.dilv, "dilv", envBool(lookup, "TDD_DILV", defaults.Dilv), "Disable per-window logging")
	fs.StringVar(&cfg.channels, "channels", envString(lookup, "TDD_CHANNELS", defaults.Channels), `Channels to use (e.g. "0", "0,1")`)
	fs.StringVar(&cfg.mode, "mode", envString(lookup, "TDD_MODE", defaults.Mode), "Scheduling mode (strict|concurrent)")
	fs.IntVar(&cfg.cadence, "cadence", envInt(lookup, "TDD_CADENCE", defaults.Cadence), "Transmit windows per burst (concurrent mode, <=1 never ends the burst)")
	fs.StringVar(&cfg.gpioBank, "gpio-bank", envString(lookup, "TDD_GPIO_BANK", defaults.GPIOBank), `GPIO bank carrying the burst code ("" disables)`)
	fs.BoolVar(&cfg.stopOnShortRead, "stop-on-short-read", envBool(lookup, "TDD_STOP_ON_SHORT_READ", defaults.StopOnShortRead), "Stop strict mode on an incomplete receive window")
	fs.Uint64Var(&cfg.maxCycles, "max-cycles", envUint(lookup, "TDD_MAX_CYCLES", defaults.MaxCycles), "Stop after this many windows per loop (0 runs until interrupted)")
	fs.BoolVar(&cfg.analyze, "analyze", envBool(lookup, "TDD_ANALYZE", defaults.Analyze), "Report power and spectral peak of received windows")
	fs.BoolVar(&cfg.realtime, "realtime", envBool(lookup, "TDD_REALTIME", defaults.Realtime), "Raise the priority of the streaming threads")
	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, "TDD_LOG_LEVEL", defaults.LogLevel), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "TDD_LOG_FORMAT", defaults.LogFormat), "Log format (text|json)")
	fs.StringVar(&cfg.webAddr, "web-addr", envString(lookup, "TDD_WEB_ADDR", defaults.WebAddr), "Optional web telemetry listen address (e.g. :8080)")
	fs.IntVar(&cfg.historyLimit, "history-limit", envInt(lookup, "TDD_HISTORY_LIMIT", defaults.HistoryLimit), "Window results kept for web telemetry")
	fs.Uint64Var(&cfg.summaryEvery, "summary-every", envUint(lookup, "TDD_SUMMARY_EVERY", defaults.SummaryEvery), "Log a fault summary every N windows (0 disables)")
	fs.StringVar(&cfg.configPath, "config", envString(lookup, "TDD_CONFIG", ""), "JSON or YAML file with default settings")
	fs.StringVar(&cfg.saveConfig, "save-config", "", "Write the effective settings to this JSON or YAML file")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	if fs.NArg() > 0 {
		err := fmt.Errorf("unexpected arguments %v", fs.Args())
		fmt.Fprintln(output, err)
		return cliConfig{}, err
	}
	return cfg, nil
}

func sessionConfig(cli cliConfig) (tdd.Config, error) {
	cfg := tdd.DefaultConfig()
	mode, err := tdd.ParseMode(cli.mode)
	if err != nil {
		return tdd.Config{}, err
	}
	channels, err := tdd.ParseChannels(cli.channels)
	if err != nil {
		return tdd.Config{}, err
	}
	cfg.Mode = mode
	cfg.Channels = channels
	cfg.WireFormat = cli.wire
	cfg.Rate = cli.rate
	cfg.RxSamples = cli.nsampsRx
	cfg.TxSamples = cli.nsampsTx
	cfg.TxAdvance = cli.txSampsAdvance
	cfg.LeadTime = time.Duration(cli.secs * float64(time.Second))
	cfg.Amplitude = float32(cli.ampl)
	cfg.Cadence = cli.cadence
	cfg.GPIO.Bank = cli.gpioBank
	cfg.StopOnShortRead = cli.stopOnShortRead
	cfg.MaxCycles = cli.maxCycles
	cfg.Verbose = !cli.dilv
	cfg.Analyze = cli.analyze
	cfg.Realtime = cli.realtime
	return cfg, cfg.Validate()
}

// configPathFromArgs finds --config before the flag set exists, so the file
// can supply the flag defaults.
func configPathFromArgs(args []string, lookup func(string) (string, bool)) string {
	path := envString(lookup, "TDD_CONFIG", "")
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		name := strings.TrimLeft(a, "-")
		if len(a)-len(name) < 1 || len(a)-len(name) > 2 {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			path = v
			continue
		}
		if name == "config" && i+1 < len(args) {
			path = args[i+1]
			i++
		}
	}
	return path
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func loadConfigFile(path string, defaults fileConfig) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, err
	}
	cfg := defaults
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return fileConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func saveConfigFile(path string, cfg fileConfig) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fileFromCLI(cfg cliConfig) fileConfig {
	return fileConfig{
		Args:            cfg.args,
		Wire:            cfg.wire,
		Secs:            cfg.secs,
		NsampsRx:        cfg.nsampsRx,
		NsampsTx:        cfg.nsampsTx,
		TxSampsAdvance:  cfg.txSampsAdvance,
		Rate:            cfg.rate,
		Ampl:            cfg.ampl,
		Dilv:            cfg.dilv,
		Channels:        cfg.channels,
		Mode:            cfg.mode,
		Cadence:         cfg.cadence,
		GPIOBank:        cfg.gpioBank,
		StopOnShortRead: cfg.stopOnShortRead,
		MaxCycles:       cfg.maxCycles,
		Analyze:         cfg.analyze,
		Realtime:        cfg.realtime,
		LogLevel:        cfg.logLevel,
		LogFormat:       cfg.logFormat,
		WebAddr:         cfg.webAddr,
		HistoryLimit:    cfg.historyLimit,
		SummaryEvery:    cfg.summaryEvery,
	}
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envUint(lookup func(string) (string, bool), key string, def uint64) uint64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseUint(val, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
