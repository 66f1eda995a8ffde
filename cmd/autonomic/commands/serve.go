package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/geo-mak/autonomic-playground/pkg/api"
	"github.com/geo-mak/autonomic-playground/pkg/config"
	"github.com/geo-mak/autonomic-playground/pkg/controller"
	"github.com/geo-mak/autonomic-playground/pkg/manager"
	"github.com/geo-mak/autonomic-playground/pkg/operation"
	"github.com/geo-mak/autonomic-playground/pkg/playground"
	"github.com/geo-mak/autonomic-playground/pkg/policy"
	"github.com/geo-mak/autonomic-playground/pkg/script"
	"github.com/geo-mak/autonomic-playground/pkg/sensor"
	"github.com/geo-mak/autonomic-playground/pkg/stores"
	"github.com/geo-mak/autonomic-playground/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the autonomic server",
		Long: `Run the autonomic server.

Without --config the demo setup is served: drift controllers controller_1..3
keeping state/store_1..3 at "default state", and the playground controller
with main_operation (interval sensor, started on demand) and
secondary_operation.`,
		Example: `  # Serve the demo setup
  autonomic serve

  # Serve a configuration file on another port
  autonomic serve --config autonomic.cue --listen 127.0.0.1:9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")

	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Long: `Validate a YAML or CUE configuration file.

Every problem is reported with its field path and, for CUE files, its position.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no configuration file given")
			}

			cfg, err := config.Load(path)
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					for _, verr := range verrs {
						fmt.Println(verr.String())
					}
				}
				return err
			}

			fmt.Printf("%s is valid: %d controllers, %d operations\n", path, len(cfg.Controllers), len(cfg.Operations))
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		log.Info().Msg("No configuration given, serving the demo setup")
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// runtime is what serve assembles from a configuration.
type runtime struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger
	store   *stores.SQLiteStore
	policy  *policy.Engine
	manager *manager.Manager
}

func serve(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.NewTelemetry(cfg.Telemetry.ToTelemetry())
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}

	ctx = tel.WithContext(ctx)
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	return rt.serve(ctx)
}

// newRuntime opens the store, loads policies and registers every controller
// and operation of cfg. Sensors are not started. The telemetry stored in ctx
// is used, or a discarding one without it.
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	tel := telemetry.FromTelemetryContext(ctx)
	if tel == nil {
		tel = telemetry.NewNop()
	}
	rt := &runtime{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("serve"),
	}

	opts := []manager.Option{
		manager.WithLogger(tel.Logger),
		manager.WithMetrics(tel.Metrics),
		manager.WithTracer(tel.Tracer),
		manager.WithEvents(tel.Events),
	}

	if cfg.Store.Path != "" {
		store, err := stores.Open(ctx, stores.Config{Path: cfg.Store.Path})
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		rt.store = store
		tel.Events.Subscribe(store.EventSubscriber(tel.Logger), nil)
		opts = append(opts, manager.WithJournal(stores.NewJournal(store)))
	}

	if len(cfg.Policies) > 0 {
		engine := policy.NewEngine(*tel.Logger.Zerolog())
		if err := engine.LoadPolicies(ctx, cfg.Policies); err != nil {
			rt.close()
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
		rt.policy = engine
		opts = append(opts, manager.WithAdmission(engine))
	}

	rt.manager = manager.New(opts...)

	if err := rt.registerControllers(ctx); err != nil {
		rt.close()
		return nil, err
	}
	if err := rt.registerOperations(); err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) registerControllers(ctx context.Context) error {
	for _, cc := range rt.cfg.Controllers {
		var resource controller.ResourceStore
		switch cc.Resource.Kind {
		case config.ResourceFile:
			resource = controller.NewFileStore(cc.Resource.Path)
		case config.ResourceSQLite:
			resource = controller.NewSQLResource(rt.store, cc.Resource.Key)
		default:
			return fmt.Errorf("controller %s: unknown resource kind %q", cc.ID, cc.Resource.Kind)
		}

		drift := controller.NewDriftController(cc.ID, cc.Description, resource, cc.Desired, cc.Poll.Std(),
			controller.WithLogger(rt.tel.Logger),
			controller.WithMetrics(rt.tel.Metrics),
			controller.WithEvents(rt.tel.Events),
			controller.WithTracer(rt.tel.Tracer),
		)
		if err := drift.Initialize(ctx); err != nil {
			return fmt.Errorf("controller %s: %w", cc.ID, err)
		}

		var opts []manager.SubmitOption
		if cc.Retry != nil {
			opts = append(opts, manager.WithRetry(cc.Retry.ToRetry()))
		}
		if err := rt.manager.SubmitController(drift, opts...); err != nil {
			return fmt.Errorf("controller %s: %w", cc.ID, err)
		}
	}
	return nil
}

func (rt *runtime) registerOperations() error {
	for _, oc := range rt.cfg.Operations {
		var (
			op   operation.Operation
			opts []manager.SubmitOption
		)

		switch oc.Kind {
		case config.OperationPlayground:
			op = playground.New(oc.ID, oc.Description, rt.tel.Logger)
			opts = append(opts, manager.WithParameters[playground.PlayParameters]())
		case config.OperationScript:
			scripted, err := script.Load(oc.ID, oc.Description, oc.Script, script.WithLogger(rt.tel.Logger))
			if err != nil {
				return fmt.Errorf("operation %s: %w", oc.Key(), err)
			}
			op = scripted
		default:
			return fmt.Errorf("operation %s: unknown kind %q", oc.Key(), oc.Kind)
		}

		if oc.Retry != nil {
			opts = append(opts, manager.WithRetry(oc.Retry.ToRetry()))
		}
		if oc.Sensor != nil {
			s, err := rt.newSensor(oc)
			if err != nil {
				return fmt.Errorf("operation %s: %w", oc.Key(), err)
			}
			opts = append(opts, manager.WithSensor(s, oc.Sensor.Autostart))
		}

		if err := rt.manager.Submit(oc.Controller, op, opts...); err != nil {
			return fmt.Errorf("operation %s: %w", oc.Key(), err)
		}
	}
	return nil
}

func (rt *runtime) newSensor(oc config.OperationConfig) (*sensor.Sensor, error) {
	params, err := sensorParameters(oc)
	if err != nil {
		return nil, err
	}

	var condition sensor.ActivationCondition
	switch oc.Sensor.Kind {
	case config.SensorInterval:
		condition = sensor.Interval(uint32(oc.Sensor.Interval.Std()/time.Second), params)
	case config.SensorFile:
		condition = sensor.FileChange(oc.Sensor.Path, params)
	default:
		return nil, fmt.Errorf("unknown sensor kind %q", oc.Sensor.Kind)
	}
	return sensor.New(condition, sensor.WithLogger(rt.tel.Logger)), nil
}

// sensorParameters converts the configured sensor parameters into what the
// operation expects on activation.
func sensorParameters(oc config.OperationConfig) (operation.Parameters, error) {
	if oc.Sensor.Parameters == nil {
		return nil, nil
	}
	raw, err := json.Marshal(oc.Sensor.Parameters)
	if err != nil {
		return nil, fmt.Errorf("invalid sensor parameters: %w", err)
	}

	if oc.Kind == config.OperationPlayground {
		var play playground.PlayParameters
		if err := json.Unmarshal(raw, &play); err != nil {
			return nil, fmt.Errorf("invalid sensor parameters: %w", err)
		}
		return play, nil
	}
	return json.RawMessage(raw), nil
}

// serve starts the sensors and runs the API and metrics listeners until ctx
// is done or one of them fails.
func (rt *runtime) serve(ctx context.Context) error {
	var apiOpts []api.Option
	apiOpts = append(apiOpts, api.WithLogger(rt.tel.Logger), api.WithMetrics(rt.tel.Metrics))
	if rt.store != nil {
		apiOpts = append(apiOpts, api.WithHealthCheck(rt.store.HealthCheck))
	}
	server := api.NewServer(rt.manager, apiOpts...)

	g, gctx := errgroup.WithContext(ctx)

	if rt.policy != nil && rt.cfg.WatchPolicies {
		if err := rt.policy.Watch(gctx, rt.cfg.Policies); err != nil {
			rt.logger.WithError(err).Warn("Policy watching disabled")
		}
	}

	rt.manager.Start()

	g.Go(func() error {
		return server.ListenAndServe(gctx, rt.cfg.Server.Listen, rt.cfg.Server.ShutdownTimeout.Std())
	})
	g.Go(func() error {
		return rt.tel.Metrics.ServeMetrics(gctx)
	})

	rt.logger.WithFields(map[string]interface{}{
		"listen":      rt.cfg.Server.Listen,
		"controllers": len(rt.manager.Controllers()),
	}).Info("Autonomic server started")

	err := g.Wait()
	rt.logger.Info("Shutting down")
	return err
}

// close stops the manager, flushes telemetry and closes the store.
func (rt *runtime) close() {
	timeout := rt.cfg.Server.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout.Std()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if rt.manager != nil {
		if err := rt.manager.Shutdown(ctx); err != nil {
			rt.logger.WithError(err).Warn("Manager did not shut down cleanly")
		}
	}
	if err := rt.tel.Shutdown(ctx); err != nil {
		rt.logger.WithError(err).Warn("Telemetry did not shut down cleanly")
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.WithError(err).Warn("Failed to close store")
		}
	}
}
