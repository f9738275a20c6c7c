// Package agent runs the display refresh cycle:
//
//	associate → sync time → register → fetch descriptor → download → render → power off → sleep
//
// Each stage logs its failure, records it in the cycle Report and lets the cycle go on
// with whatever state it has; the sleep at the end is always reached.
package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/1set/inkframe"
	"github.com/1set/inkframe/clock"
	"github.com/1set/inkframe/epd"
	"github.com/1set/inkframe/network"
	"github.com/1set/inkframe/power"
	"github.com/1set/inkframe/store"
)

// DefaultSleep is used when neither the service nor the options provide an interval.
const DefaultSleep = 15 * time.Minute

// DefaultAssetPath is where the image is kept in the store.
const DefaultAssetPath = "/screen.png"

// Service is the content service. *inkframe.Client implements it.
type Service interface {
	Setup(ctx context.Context, deviceID string) (*inkframe.SetupResponse, error)
	Display(ctx context.Context, req inkframe.DisplayRequest) (*inkframe.DisplayResponse, error)
	Download(ctx context.Context, url string, w io.Writer) (int64, error)
}

// DeviceIdentity identifies the device to the service.
type DeviceIdentity struct {
	MAC string
}

// Descriptor points at the image to show and says how long to show it.
type Descriptor struct {
	ImageURL        string
	RefreshInterval time.Duration
	Filename        string
}

// Cycle is the state of one refresh cycle. It is created by RunCycle, passed to each
// stage and never persisted.
type Cycle struct {
	ID          uuid.UUID
	Identity    DeviceIdentity
	AccessToken string
	FriendlyID  string
	RSSI        int
	Descriptor  Descriptor
	// Fresh is set when Descriptor was fetched during this cycle.
	Fresh     bool
	AssetPath string
	Report    Report
}

// Options wires an Agent. Service, Store, Panel and Sleeper are required.
type Options struct {
	Service Service
	Store   store.Store
	Panel   epd.Panel
	Sleeper power.Sleeper

	// Link is observed for association, RSSI and the MAC address. Nil skips association.
	Link network.Link
	// Identity overrides the MAC read from Link.
	Identity DeviceIdentity
	// TimeSource enables the time sync step.
	TimeSource network.TimeSource
	TimeSync   network.TimeSyncOptions

	AssociationAttempts int
	AssociationInterval time.Duration

	AssetPath       string
	DefaultSleep    time.Duration
	Invert          bool
	FirmwareVersion string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Agent runs refresh cycles.
type Agent struct {
	svc     Service
	store   store.Store
	panel   epd.Panel
	sleeper power.Sleeper
	link    network.Link

	identity   DeviceIdentity
	timeSource network.TimeSource
	timeSync   network.TimeSyncOptions

	assocAttempts int
	assocInterval time.Duration

	assetPath    string
	defaultSleep time.Duration
	invert       bool
	firmware     string

	clock  clock.Clock
	logger *slog.Logger

	// last is the most recent descriptor; it seeds the next cycle in a long-running process.
	last Descriptor
}

// New validates opts and returns an Agent.
func New(opts Options) (*Agent, error) {
	var errs []error
	if opts.Service == nil {
		errs = append(errs, errors.New("agent: service is required"))
	}
	if opts.Store == nil {
		errs = append(errs, errors.New("agent: store is required"))
	}
	if opts.Panel == nil {
		errs = append(errs, errors.New("agent: panel is required"))
	}
	if opts.Sleeper == nil {
		errs = append(errs, errors.New("agent: sleeper is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	a := &Agent{
		svc:           opts.Service,
		store:         opts.Store,
		panel:         opts.Panel,
		sleeper:       opts.Sleeper,
		link:          opts.Link,
		identity:      opts.Identity,
		timeSource:    opts.TimeSource,
		timeSync:      opts.TimeSync,
		assocAttempts: opts.AssociationAttempts,
		assocInterval: opts.AssociationInterval,
		assetPath:     opts.AssetPath,
		defaultSleep:  opts.DefaultSleep,
		invert:        opts.Invert,
		firmware:      opts.FirmwareVersion,
		clock:         opts.Clock,
		logger:        opts.Logger,
	}
	if a.assetPath == "" {
		a.assetPath = DefaultAssetPath
	}
	if a.defaultSleep <= 0 {
		a.defaultSleep = DefaultSleep
	}
	if a.assocAttempts <= 0 {
		a.assocAttempts = network.DefaultAssociationAttempts
	}
	if a.assocInterval <= 0 {
		a.assocInterval = network.DefaultAssociationInterval
	}
	if a.clock == nil {
		a.clock = clock.Real()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a, nil
}

// NewCycle starts a cycle seeded with the agent's identity and last descriptor.
func (a *Agent) NewCycle() *Cycle {
	return &Cycle{
		ID:         uuid.New(),
		Identity:   a.identity,
		Descriptor: a.last,
		AssetPath:  a.assetPath,
	}
}

func (a *Agent) log(c *Cycle) *slog.Logger {
	return a.logger.With("cycle", c.ID.String(), "device", c.Identity.MAC)
}

// RunCycle runs one complete cycle and returns it once the device wakes from sleep.
func (a *Agent) RunCycle(ctx context.Context) *Cycle {
	c := a.NewCycle()
	logger := a.logger.With("cycle", c.ID.String())
	logger.Info("cycle started")

	if a.link != nil {
		err := network.WaitAssociated(ctx, a.clock, a.link, a.assocAttempts, a.assocInterval, logger)
		c.Report.record(StepAssociate, err)
		if err != nil {
			logger.Warn("network not associated", "error", err)
		}
		if rssi, err := a.link.RSSI(); err == nil {
			c.RSSI = rssi
		} else {
			logger.Debug("rssi unavailable", "error", err)
		}
		if c.Identity.MAC == "" {
			if mac, err := a.link.MAC(); err == nil {
				c.Identity.MAC = mac
			} else {
				logger.Warn("mac address unavailable", "error", err)
			}
		}
	}

	if a.timeSource != nil {
		opts := a.timeSync
		opts.Logger = logger
		_, err := network.SyncTime(ctx, a.clock, a.timeSource, opts)
		c.Report.record(StepTimeSync, err)
		if err != nil {
			logger.Warn("time sync failed", "error", err)
		}
	}

	c.Report.record(StepRegister, a.RegisterDevice(ctx, c))
	c.Report.record(StepDescriptor, a.FetchDescriptor(ctx, c))
	if c.Fresh {
		a.last = c.Descriptor
	}

	if c.Descriptor.ImageURL != "" {
		if !c.Fresh {
			a.log(c).Warn("downloading with the last known descriptor", "url", c.Descriptor.ImageURL)
		}
		n, digest, err := a.download(ctx, a.log(c), c.Descriptor.ImageURL, c.AssetPath)
		c.Report.AssetBytes, c.Report.AssetDigest = n, digest
		c.Report.record(StepDownload, err)
	} else {
		a.log(c).Info("no image url known; keeping the stored image", "path", c.AssetPath)
	}

	c.Report.record(StepRender, a.RenderAsset(ctx, c))

	err := a.panel.PowerOff()
	c.Report.record(StepPowerOff, err)
	if err != nil {
		a.log(c).Error("panel power off failed", "error", err)
	}

	d := c.Descriptor.RefreshInterval
	if d <= 0 {
		d = a.defaultSleep
	}
	c.Report.Sleep = d
	a.log(c).Info("cycle finished; sleeping", "duration", d, "failed", c.Report.Failed())
	err = a.sleeper.Sleep(ctx, d)
	c.Report.record(StepSleep, err)
	if err != nil {
		a.log(c).Error("sleep failed", "error", err)
	}
	return c
}
