// klipper-go-flasher builds Klipper firmware and flashes it onto the MCUs
// declared in the configuration, stopping and restarting the Klipper
// service around the update. It serves a Moonraker-compatible API whose
// flash_mcu method triggers a flash.
//
// Usage:
//
//	klipper-go-flasher --config ~/printer_data/config/moonraker.conf [options]
//
// Options:
//
//	--config string    Configuration file (required)
//	--address string   API listen address, overrides [server] host/port
//	--logfile string   Log file path, rotated by size (default: stderr only)
//	--debug            Enable debug logging
//	--flash string     Flash the named MCU (or "all") once and exit
//
// Examples:
//
//	# Serve the API and wait for flash_mcu requests
//	klipper-go-flasher --config ~/printer_data/config/moonraker.conf
//
//	# Flash every declared MCU from the shell
//	klipper-go-flasher --config ~/printer_data/config/moonraker.conf --flash all
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"klipper-go-flasher/pkg/config"
	"klipper-go-flasher/pkg/klippy"
	"klipper-go-flasher/pkg/log"
	"klipper-go-flasher/pkg/machine"
	"klipper-go-flasher/pkg/mcuflasher"
	"klipper-go-flasher/pkg/metrics"
	"klipper-go-flasher/pkg/moonraker"
	"klipper-go-flasher/pkg/shell"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configFile string
	address    string
	logFile    string
	debug      bool
	flash      string
}

func parseFlags(args []string) (*options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("klipper-go-flasher", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configFile, "config", "c", "", "configuration file (required)")
	flagSet.StringVarP(&opts.address, "address", "a", "", "API listen address, overrides [server] host/port")
	flagSet.StringVarP(&opts.logFile, "logfile", "l", "", "log file path, rotated by size")
	flagSet.BoolVarP(&opts.debug, "debug", "v", false, "enable debug logging")
	flagSet.StringVar(&opts.flash, "flash", "", `flash the named MCU (or "all") once and exit`)

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if opts.configFile == "" {
		return nil, fmt.Errorf("--config is required")
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return &opts, nil
}

func setupLogging(opts *options) (func(), error) {
	logger := log.New("moonraker")
	log.ConfigureFromEnv(logger)
	closer := func() {}
	if opts.logFile != "" {
		fileLogger, writer, err := log.NewFileLogger("moonraker", log.RotationConfig{
			Filename: config.ExpandUser(opts.logFile),
		}, os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		log.ConfigureFromEnv(fileLogger)
		fileLogger.SetColorize(false)
		logger = fileLogger
		closer = func() { writer.Close() }
	}
	if opts.debug {
		logger.SetLevel(log.DEBUG)
	}
	log.SetDefaultLogger(logger)
	return closer, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	closeLog, err := setupLogging(opts)
	if err != nil {
		return err
	}
	defer closeLog()
	logger := log.GetLogger("server")

	cfg, err := config.Load(config.ExpandUser(opts.configFile))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.Info("Config: %s", opts.configFile)

	runner := shell.NewRunner()
	kc, err := klippy.New(cfg)
	if err != nil {
		return err
	}
	mgr, err := machine.New(cfg, runner)
	if err != nil {
		return err
	}
	logger.Info("Klippy socket: %s, firmware tree: %s", kc.SocketPath(), kc.KlipperPath())

	if opts.flash != "" {
		return flashOnce(cfg, opts.flash, kc, mgr, runner)
	}

	serverCfg, err := moonraker.LoadConfig(cfg)
	if err != nil {
		return err
	}
	if opts.address != "" {
		serverCfg.Addr = opts.address
	}
	serverCfg.Klippy = kc
	server := moonraker.New(serverCfg)

	metricsCfg, err := metrics.LoadHandlerConfig(cfg)
	if err != nil {
		return err
	}
	var fm *metrics.FlasherMetrics
	if metricsCfg.Enabled {
		fm = metrics.NewFlasherMetrics()
		server.Handle(metricsCfg.Path, metrics.NewHandler(fm.Registry(), metricsCfg))
		server.RegisterComponent("metrics")
	}

	flasher := mcuflasher.New(cfg, mcuflasher.Deps{
		KlipperPath: kc.KlipperPath(),
		Status:      kc,
		Services:    mgr,
		Printer:     kc,
		Runner:      runner,
		Host:        server,
		Metrics:     fm,
	})
	server.RegisterComponent("klippy_connection")
	server.RegisterComponent("machine")
	server.RegisterComponent("mcu_flasher")
	logger.Info("MCU flashers: %v", flasher.MCUs())

	for _, section := range cfg.GetUnusedSections() {
		server.AddWarning(fmt.Sprintf("Unparsed config section [%s] detected", section))
	}
	for _, w := range cfg.UnusedOptionWarnings() {
		server.AddWarning(w)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		flasher.Close()
		return err
	case sig := <-sigCh:
		logger.Info("Received %s, shutting down", sig)
	}

	// Let a running flash start Klipper again before the process exits.
	flasher.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Stop(ctx)
}

// console prints flasher output to stdout when running without a server.
type console struct{}

func (console) SendEvent(event string, data any) {
	fmt.Println(data)
}

func (console) AddWarning(msg string) {
	fmt.Fprintf(os.Stderr, "warning: %s\n", msg)
}

func (console) RegisterMethod(name string, handler func(ctx context.Context, params map[string]any) (any, error)) {
}

func flashOnce(cfg *config.Config, target string, kc *klippy.Client, mgr *machine.Manager, runner *shell.Runner) error {
	flasher := mcuflasher.New(cfg, mcuflasher.Deps{
		KlipperPath: kc.KlipperPath(),
		Status:      kc,
		Services:    mgr,
		Printer:     kc,
		Runner:      runner,
		Host:        console{},
	})

	// A signal must not leave Klipper stopped mid-flash.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			log.GetLogger("server").Warn("Received %s, waiting for the flash to finish", sig)
		}
	}()

	return flasher.FlashMCU(context.Background(), target)
}
