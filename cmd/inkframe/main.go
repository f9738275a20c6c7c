// Package main is the device binary: it runs refresh cycles against a display-content
// service and paints the result onto the configured e-paper panel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/1set/inkframe"
	"github.com/1set/inkframe/agent"
	"github.com/1set/inkframe/config"
	"github.com/1set/inkframe/epd"
	"github.com/1set/inkframe/network"
	"github.com/1set/inkframe/pngstream"
	"github.com/1set/inkframe/power"
	"github.com/1set/inkframe/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = runAgent(ctx, os.Args[2:])
	case "render":
		err = runRender(os.Args[2:])
	case "setup":
		err = runSetup(ctx, os.Args[2:])
	case "version":
		fmt.Printf("inkframe %s (%s, %s/%s)\n", config.FirmwareVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", os.Args[1])
	}
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "inkframe: %v\n", err)
		os.Exit(1)
	}
}

type commonFlags struct {
	config string
	debug  bool
}

func newFlagSet(name string) (*pflag.FlagSet, *commonFlags) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cf := &commonFlags{}
	fs.StringVar(&cf.config, "config", "", "config file (YAML, or JSON with comments); or set "+config.EnvConfig)
	fs.BoolVar(&cf.debug, "debug", os.Getenv("INKFRAME_DEBUG") != "", "debug logging; or set INKFRAME_DEBUG")
	return fs, cf
}

func (cf *commonFlags) load() (*config.Config, *slog.Logger, error) {
	level := slog.LevelInfo
	if cf.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var (
		cfg *config.Config
		err error
	)
	if cf.config != "" {
		cfg, err = config.LoadFile(cf.config)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, logger, nil
}

func newClient(cfg *config.Config) (*inkframe.Client, error) {
	opts := []inkframe.ClientOption{
		inkframe.WithImageScheme(cfg.Service.ImageScheme),
		inkframe.WithMaxAssetSize(cfg.Service.MaxAssetBytes),
		inkframe.WithUserAgent(fmt.Sprintf("inkframe/%s (Go%s; %s/%s)",
			cfg.Device.FirmwareVersion, strings.TrimPrefix(runtime.Version(), "go"), runtime.GOOS, runtime.GOARCH)),
	}
	if cfg.Service.MinInterval > 0 {
		opts = append(opts, inkframe.WithRateLimiter(inkframe.NewFixedIntervalLimiter(cfg.Service.MinInterval)))
	} else {
		opts = append(opts, inkframe.WithRateLimiter(nil))
	}
	client, err := inkframe.NewClient(cfg.Service.BaseURL, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// openPanel returns the configured panel and a release function.
func openPanel(cfg *config.Config) (epd.Panel, func() error, error) {
	d := cfg.Display
	switch d.Driver {
	case config.DriverWaveshare75:
		w, err := epd.OpenWaveshare75(epd.WaveshareConfig{
			SPIPort:  d.SPIPort,
			SpeedHz:  d.SPISpeedHz,
			DCPin:    d.DCPin,
			RSTPin:   d.RSTPin,
			BusyPin:  d.BusyPin,
			PageRows: d.PageRows,
			Busy:     d.BusyTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return w, w.Close, nil
	default:
		opts := []epd.MemoryOption{epd.WithPages(d.Pages)}
		if d.PBMPath != "" {
			opts = append(opts, epd.WithPBMFile(d.PBMPath))
		}
		return epd.NewMemory(d.Width, d.Height, opts...), func() error { return nil }, nil
	}
}

func newSleeper(cfg *config.Config) power.Sleeper {
	if cfg.Sleep.Mode == config.SleepRTC {
		return power.Fallback{
			power.RTCSuspend{WakeAlarm: cfg.Sleep.WakeAlarm, StateFile: cfg.Sleep.StateFile},
			power.Wait{},
		}
	}
	return power.Wait{}
}

func runAgent(ctx context.Context, args []string) error {
	fs, cf := newFlagSet("run")
	once := fs.Bool("once", false, "run a single cycle and exit after its sleep")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := cf.load()
	if err != nil {
		return err
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	st, err := store.NewDir(cfg.Storage.Dir)
	if err != nil {
		return err
	}
	panel, release, err := openPanel(cfg)
	if err != nil {
		return err
	}
	defer release()

	opts := agent.Options{
		Service:             client,
		Store:               st,
		Panel:               panel,
		Sleeper:             newSleeper(cfg),
		Identity:            agent.DeviceIdentity{MAC: strings.ToUpper(strings.TrimSpace(cfg.Device.MAC))},
		AssociationAttempts: cfg.Network.AssociationAttempts,
		AssociationInterval: cfg.Network.AssociationInterval,
		AssetPath:           cfg.Storage.AssetPath,
		DefaultSleep:        cfg.Sleep.Default,
		Invert:              cfg.Display.Invert,
		FirmwareVersion:     cfg.Device.FirmwareVersion,
		Logger:              logger,
	}
	if cfg.Device.Interface != "" {
		opts.Link = network.NewInterface(cfg.Device.Interface)
	}
	if cfg.Time.Enabled {
		opts.TimeSource = network.NTPSource{Timeout: cfg.Time.Timeout}
		opts.TimeSync = network.TimeSyncOptions{
			Servers:        cfg.Time.Servers,
			Attempts:       cfg.Time.Attempts,
			Delay:          cfg.Time.Delay,
			SetSystemClock: cfg.Time.SetSystemClock,
		}
	}
	a, err := agent.New(opts)
	if err != nil {
		return err
	}

	logger.Info("agent started", "service", client.BaseURL(), "display", cfg.Display.Driver, "store", st.Root())
	for {
		c := a.RunCycle(ctx)
		if ctx.Err() != nil {
			logger.Info("stopping", "reason", ctx.Err())
			return nil
		}
		if *once {
			if failed := c.Report.Failed(); len(failed) > 0 {
				return fmt.Errorf("cycle %s had failures: %v", c.ID, failed)
			}
			return nil
		}
	}
}

func runRender(args []string) error {
	fs, cf := newFlagSet("render")
	invert := fs.Bool("invert", false, "swap ink and blank (overrides the config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("render needs exactly one PNG file")
	}
	cfg, logger, err := cf.load()
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		return err
	}
	st, err := store.NewDir(filepath.Dir(abs))
	if err != nil {
		return err
	}
	f, err := st.Open("/" + filepath.Base(abs))
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := pngstream.Open(f)
	if err != nil {
		return err
	}
	panel, release, err := openPanel(cfg)
	if err != nil {
		return err
	}
	defer release()

	renderer := epd.NewRowRenderer(panel, dec.Header(), cfg.Display.Invert || *invert)
	renderer.Logger = logger
	renderErr := epd.Render(panel, func(int) error { return dec.Decode(renderer) })
	if err := panel.PowerOff(); err != nil {
		return errors.Join(renderErr, err)
	}
	if renderErr != nil {
		return renderErr
	}
	hdr := dec.Header()
	fmt.Printf("Rendered %s (%dx%d %s)\n", abs, hdr.Width, hdr.Height, hdr.Format)
	return nil
}

func runSetup(ctx context.Context, args []string) error {
	fs, cf := newFlagSet("setup")
	mac := fs.String("mac", "", "device MAC address (defaults to the configured interface)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, _, err := cf.load()
	if err != nil {
		return err
	}
	id := strings.TrimSpace(*mac)
	if id == "" {
		id = cfg.Device.MAC
	}
	if id == "" {
		if id, err = network.NewInterface(cfg.Device.Interface).MAC(); err != nil {
			return err
		}
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	resp, err := client.Setup(ctx, strings.ToUpper(id))
	if err != nil {
		return err
	}
	fmt.Printf("Registered %s (friendly_id=%s)\napi_key: %s\n", strings.ToUpper(id), resp.FriendlyID, resp.APIKey)
	return nil
}

func printUsage() {
	fmt.Fprint(os.Stderr, `inkframe - e-paper display agent

Usage:
  inkframe run     [flags]          run refresh cycles (forever, or once with --once)
  inkframe render  [flags] <file>   paint a local 1-bit PNG onto the panel
  inkframe setup   [flags]          register the device and print its access token
  inkframe version

Common flags:
  --config    Config file (or set INKFRAME_CONFIG); built-in defaults otherwise
  --debug     Debug logging (or set INKFRAME_DEBUG)

run flags:
  --once      Exit after one cycle; non-zero status if a step failed

render flags:
  --invert    Swap ink and blank

setup flags:
  --mac       Device MAC address (defaults to device.mac or the interface address)
`)
}
