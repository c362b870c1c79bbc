package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"timestack/internal/archive"
	"timestack/internal/blob"
	"timestack/internal/config"
	"timestack/internal/core"
	"timestack/pkg/domain"
)

// app holds the per-invocation state. The registry and archive are opened on
// first use so help and usage errors never touch storage.
type app struct {
	stdout, stderr io.Writer

	cfgPath      string
	registryPath string
	storePath    string
	trace        bool

	cfg      *config.Config
	logger   *slog.Logger
	engine   domain.Engine
	reg      *core.Registry
	exporter *archive.Exporter
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "stackctl",
		Short: "Manage stacks of timestamped snapshots",
		Long: `stackctl keeps named stacks of timestamped snapshots in an embedded
store and finds the snapshot closest to a date.

Examples:
  stackctl create cpu -p load=float -p host=string
  stackctl push cpu load=0.7 host=web1
  stackctl closest cpu 2024-01-31
  stackctl show cpu --json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgPath, "config", "", "YAML config file (TIMESTACK_* variables override it)")
	flags.StringVar(&a.registryPath, "registry", "", "registry path (overrides location.registry_path)")
	flags.StringVar(&a.storePath, "store", "", "store path inside the registry (overrides location.store_path)")
	flags.BoolVar(&a.trace, "trace", false, "write operation spans as JSON lines to stderr")

	root.AddCommand(
		newCreateCmd(a),
		newPushCmd(a),
		newClosestCmd(a),
		newShowCmd(a),
		newListCmd(a),
		newRemoveCmd(a),
		newUpdateCmd(a),
		newDeleteIndexesCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newExportsCmd(a),
	)
	return root
}

func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return nil, err
	}
	if a.registryPath != "" {
		cfg.Location.RegistryPath = a.registryPath
	}
	if a.storePath != "" {
		cfg.Location.StorePath = a.storePath
	}
	logger, err := config.NewLogger(cfg.Logging, a.stderr)
	if err != nil {
		return nil, err
	}
	a.cfg, a.logger = cfg, logger
	return cfg, nil
}

func (a *app) location() domain.Location {
	return domain.Location{RegistryPath: a.cfg.Location.RegistryPath, StorePath: a.cfg.Location.StorePath}
}

func (a *app) registry(ctx context.Context) (*core.Registry, error) {
	if a.reg != nil {
		return a.reg, nil
	}
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	eng, err := core.OpenEngine(ctx, cfg.Storage, a.logger)
	if err != nil {
		return nil, err
	}
	metrics, err := core.NewMetricsRecorder(cfg.Metrics, nil)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}
	opts := []core.Option{core.WithLogger(a.logger), core.WithMetricsRecorder(metrics)}
	if a.trace {
		opts = append(opts, core.WithTracer(core.NewJSONTracer(a.stderr)))
	}
	a.engine = eng
	a.reg = core.NewRegistry(eng, opts...)
	return a.reg, nil
}

func (a *app) archive(ctx context.Context) (*archive.Exporter, error) {
	if a.exporter != nil {
		return a.exporter, nil
	}
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	store, err := blob.Open(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	a.exporter = archive.New(store, archive.WithLogger(a.logger))
	return a.exporter, nil
}

// stack loads a persisted stack at the configured location.
func (a *app) stack(ctx context.Context, name string) (*core.Stack, error) {
	reg, err := a.registry(ctx)
	if err != nil {
		return nil, err
	}
	s, err := reg.LoadStack(ctx, a.location(), name, true)
	if domain.IsNotFound(err, domain.EntityStack) {
		return nil, fmt.Errorf("stack %q not found at %s", name, a.location())
	}
	return s, err
}

func (a *app) close() error {
	var errs []error
	if a.reg != nil {
		errs = append(errs, a.reg.CloseAll())
	}
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	return errors.Join(errs...)
}

// parseProps reads repeated name=type flags.
func parseProps(args []string) (domain.Properties, error) {
	raw := make(map[string]string, len(args))
	for _, arg := range args {
		name, notation, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("property %q: want name=type", arg)
		}
		raw[name] = notation
	}
	return domain.ParseProperties(raw)
}

// parseFields reads field=value arguments using the stack's property types.
func parseFields(props domain.Properties, args []string) (domain.Fields, error) {
	fields := make(domain.Fields, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("field %q: want name=value", arg)
		}
		t, known := props[name]
		if !known {
			return nil, fmt.Errorf("field %q: unknown, stack has %s", name, strings.Join(props.Names(), ", "))
		}
		v, err := t.ParseValue(value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		fields[name] = v
	}
	return fields, nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case []time.Time:
		parts := make([]string, len(x))
		for i, t := range x {
			parts[i] = t.Format(time.RFC3339Nano)
		}
		return strings.Join(parts, ",")
	case []int64, []float64, []bool, []string, []any:
		s := fmt.Sprint(x)
		return strings.ReplaceAll(strings.Trim(s, "[]"), " ", ",")
	}
	return fmt.Sprint(v)
}

func formatFields(f domain.Fields) string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + formatValue(f[k])
	}
	return strings.Join(parts, " ")
}
