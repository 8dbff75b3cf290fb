package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cepro/mppgateway/command"
	"github.com/cepro/mppgateway/config"
	dataplatform "github.com/cepro/mppgateway/data_platform"
	"github.com/cepro/mppgateway/inverter"
	"github.com/cepro/mppgateway/metrics"
	"github.com/cepro/mppgateway/poller"
	"github.com/cepro/mppgateway/publisher"
	"github.com/cepro/mppgateway/telemetry"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {

	flags := config.Flags()
	err := flags.Parse(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	configPath, _ := flags.GetString("config")

	cfg, err := config.Read(configPath, flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = run(ctx, cfg)
	if err != nil {
		slog.Error("Exiting with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Exiting")
}

func run(ctx context.Context, cfg config.Config) error {

	catalog, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return err
	}

	recorder := metrics.New()

	var pollers []*poller.Poller
	for _, deviceCfg := range cfg.DeviceConfigs() {
		device, err := inverter.New(deviceCfg.Address,
			inverter.WithID(deviceCfg.ID),
			inverter.WithBaudRate(deviceCfg.Baud),
			inverter.WithCatalog(catalog),
			inverter.WithObserver(recorder),
		)
		if err != nil {
			return fmt.Errorf("create inverter %s: %w", deviceCfg.Address, err)
		}
		slog.Debug(device.String())
		pollers = append(pollers, poller.New(device, cfg.Queries, recorder))
	}

	var pub *publisher.Publisher
	if cfg.MQTT.Broker != "" {
		pub, err = publisher.New(publisher.Config{
			Broker:       cfg.MQTT.Broker,
			Port:         cfg.MQTT.Port,
			Username:     cfg.MQTT.Username,
			Password:     cfg.MQTT.Password,
			ClientID:     cfg.MQTT.ClientID,
			Prefix:       cfg.MQTT.Prefix,
			PublishUnits: cfg.MQTT.PublishUnits,
			Listen:       cfg.MQTT.Listen,
		})
		if err != nil {
			return fmt.Errorf("create publisher: %w", err)
		}
		defer pub.Close()
	}

	if cfg.GrabSettings {
		grabSettings(ctx, pollers, pub)
	}

	if cfg.OnceOff {
		return pollOnce(ctx, pollers, pub)
	}

	slog.Info("Starting gateway...", "devices", len(pollers), "interval_secs", cfg.PollIntervalSecs)

	var dataPlatform *dataplatform.DataPlatform
	if cfg.DataPlatform.Supabase.Url != "" {
		dataPlatform, err = dataplatform.New(dataplatform.Config{
			SupabaseURL:       cfg.DataPlatform.Supabase.Url,
			SupabaseAnonKey:   cfg.DataPlatform.Supabase.AnonKey,
			SupabaseUserKey:   cfg.DataPlatform.Supabase.UserKey,
			Schema:            cfg.DataPlatform.Supabase.Schema,
			Table:             cfg.DataPlatform.Supabase.Table,
			BufferPath:        cfg.DataPlatform.BufferPath,
			UploadInterval:    time.Duration(cfg.DataPlatform.UploadIntervalSecs) * time.Second,
			MaxUploadAttempts: cfg.DataPlatform.MaxUploadAttempts,
		})
		if err != nil {
			return fmt.Errorf("create data platform: %w", err)
		}
		defer dataPlatform.Close()
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return recorder.Serve(ctx, cfg.Metrics.Listen)
		})
	}
	if dataPlatform != nil {
		g.Go(func() error {
			dataPlatform.Run(ctx)
			return nil
		})
	}

	var published chan telemetry.Reading
	if pub != nil {
		published = make(chan telemetry.Reading, 25)
		g.Go(func() error {
			pub.Run(ctx, published)
			return nil
		})
	}

	period := time.Duration(cfg.PollIntervalSecs) * time.Second
	for _, p := range pollers {
		p := p
		if pub != nil {
			// reachable over MQTT from its first published reading on, whenever the inverter first answers
			pub.AddDevice(p.Device())
		}
		g.Go(func() error {
			p.Run(ctx, period)
			return nil
		})

		// readings are sent to both the MQTT publisher and the data platform
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case reading := <-p.Readings:
					if published != nil {
						forward(ctx, published, reading)
					}
					if dataPlatform != nil {
						forward(ctx, dataPlatform.Readings, reading)
					}
					if published == nil && dataPlatform == nil {
						slog.Info("Polled inverter", "serial_number", reading.SerialNumber, "values", reading.Values)
					}
				}
			}
		})
	}

	return g.Wait()
}

func forward(ctx context.Context, ch chan<- telemetry.Reading, reading telemetry.Reading) {
	select {
	case ch <- reading:
	case <-ctx.Done():
	}
}

func loadCatalog(path string) (*command.Catalog, error) {
	if path == "" {
		return command.Default(), nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	var catalog *command.Catalog
	if info.IsDir() {
		catalog, err = command.LoadDir(path)
	} else {
		catalog, err = command.LoadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	slog.Info("Loaded command catalog", "path", path, "commands", catalog.Len(), "rejected", len(catalog.Rejected()))
	return catalog, nil
}

// pollOnce polls every inverter a single time and writes the readings to stdout, and to MQTT when configured.
func pollOnce(ctx context.Context, pollers []*poller.Poller, pub *publisher.Publisher) error {
	var errs []error
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	for _, p := range pollers {
		reading, err := p.PollOnce(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("poll %s: %w", p.Device().Address(), err))
			continue
		}
		err = encoder.Encode(reading)
		if err != nil {
			errs = append(errs, fmt.Errorf("write reading: %w", err))
		}
		if pub != nil {
			err = pub.PublishReading(reading)
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func grabSettings(ctx context.Context, pollers []*poller.Poller, pub *publisher.Publisher) {
	for _, p := range pollers {
		logger := slog.Default().With("device", p.Device().Address())

		serialNumber, err := p.Device().Identify(ctx)
		if err != nil {
			logger.Error("Failed to identify inverter", "error", err)
			continue
		}
		settings, err := p.Settings(ctx)
		if err != nil {
			logger.Error("Failed to read settings", "error", err)
			continue
		}
		logger.Info("Read inverter settings", "serial_number", serialNumber, "settings", len(settings))
		if pub == nil {
			logger.Debug("Inverter settings", "settings", settings)
			continue
		}
		err = pub.PublishSettings(serialNumber, settings)
		if err != nil {
			logger.Error("Failed to publish settings", "error", err)
		}
	}
}
