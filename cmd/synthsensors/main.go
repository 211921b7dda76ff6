package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/LegoTypes/ha-synthetic-sensors-sub003/config"
	"github.com/LegoTypes/ha-synthetic-sensors-sub003/entities"
	"github.com/LegoTypes/ha-synthetic-sensors-sub003/evaluator"
	"github.com/LegoTypes/ha-synthetic-sensors-sub003/internal/logging"
	"github.com/LegoTypes/ha-synthetic-sensors-sub003/internal/reload"
	"github.com/LegoTypes/ha-synthetic-sensors-sub003/telemetry"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to sensor configuration file")
	entitiesPath := flag.String("entities", "", "Path to an entity snapshot file")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	watch := flag.Bool("watch", false, "Re-evaluate when source files change")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	collector, err := newTelemetryCollector(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry disabled")
		collector = telemetry.Noop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := loadStore(*entitiesPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load entity snapshot")
	}

	evaluators, err := buildEvaluators(cfg, store, collector, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build evaluators")
	}
	evaluateAll(evaluators, logger)

	if !*watch {
		return
	}

	watcher, err := reload.NewWatcher(*cfgPath, *entitiesPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create watcher")
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := watcher.Check()
			if err != nil {
				logger.Error().Err(err).Msg("failed to check source files")
				continue
			}
			if len(changed) == 0 {
				continue
			}
			logger.Info().Strs("files", changed).Msg("sources changed, reloading")
			newCfg, err := config.Load(*cfgPath)
			if err != nil {
				logger.Error().Err(err).Msg("failed to reload configuration")
				continue
			}
			newStore, err := loadStore(*entitiesPath)
			if err != nil {
				logger.Error().Err(err).Msg("failed to reload entity snapshot")
				continue
			}
			rebuilt, err := buildEvaluators(newCfg, newStore, collector, logger)
			if err != nil {
				logger.Error().Err(err).Msg("reloaded configuration invalid")
				continue
			}
			if err := watcher.Update(*cfgPath, *entitiesPath); err != nil {
				logger.Error().Err(err).Msg("failed to update watcher state")
			}
			evaluators = rebuilt
			evaluateAll(evaluators, logger)
		}
	}
}

func loadStore(path string) (*entities.Store, error) {
	if path == "" {
		return entities.NewStore(), nil
	}
	return entities.LoadSnapshot(path)
}

type setEvaluator struct {
	set  *config.SensorSet
	eval *evaluator.Evaluator
}

func buildEvaluators(cfg *config.Config, store *entities.Store, collector telemetry.Collector, logger zerolog.Logger) ([]setEvaluator, error) {
	result := make([]setEvaluator, 0, len(cfg.SensorSets))
	for i := range cfg.SensorSets {
		set := &cfg.SensorSets[i]
		mapping := evaluator.IdentifierMap{}
		for j := range set.Sensors {
			sensor := &set.Sensors[j]
			assigned := store.Register("sensor." + sensor.Key)
			mapping[sensor.Key] = assigned
		}
		evaluator.RewriteSensorSet(set, mapping)

		eval, err := evaluator.New(set, store, store, evaluator.Options{
			BreakerThreshold: cfg.Evaluation.BreakerThreshold,
			MaxComputedDepth: cfg.Evaluation.MaxComputedDepth,
			Telemetry:        collector,
			Logger:           logger,
		})
		if err != nil {
			return nil, fmt.Errorf("sensor set %q: %w", set.ID, err)
		}
		result = append(result, setEvaluator{set: set, eval: eval})
	}
	return result, nil
}

func evaluateAll(evaluators []setEvaluator, logger zerolog.Logger) {
	for _, se := range evaluators {
		results := se.eval.EvaluateAll()
		ids := make([]string, 0, len(results))
		for id := range results {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			res := results[id]
			event := logger.Info().
				Str("sensor_set", se.set.ID).
				Str("formula", id).
				Str("state", string(res.State))
			switch {
			case res.Skipped:
				event.Bool("skipped", true)
			case res.Success:
				event.Interface("value", res.Value).Bool("cached", res.Cached)
			default:
				if res.Err != nil {
					event.Str("error", res.Err.Error())
				}
				if len(res.MissingEntities) > 0 {
					event.Strs("missing", res.MissingEntities)
				}
				if len(res.UnavailableEntities) > 0 {
					event.Strs("unavailable", res.UnavailableEntities)
				}
			}
			event.Msg("formula evaluated")
		}
	}
}

func executeConfigCheck(cfg *config.Config) int {
	exitCode := 0
	for i := range cfg.SensorSets {
		set := &cfg.SensorSets[i]
		fmt.Printf("Sensor set %q\n", set.ID)
		graph, err := evaluator.BuildGraph(set)
		if err != nil {
			exitCode = 1
			fmt.Printf("  Error: %v\n\n", err)
			continue
		}
		for _, id := range graph.EvaluationOrder() {
			fmt.Printf("  Formula %q\n", id)
			deps, ok := graph.Dependencies(id)
			if !ok {
				continue
			}
			printDependencies("Entities", deps.StaticList())
			queries := make([]string, 0, len(deps.Queries))
			for _, q := range deps.Queries {
				queries = append(queries, fmt.Sprintf("%s(%s:%s)", q.Function, q.Type, q.Pattern))
			}
			printDependencies("Collection queries", queries)
		}
		fmt.Println("  Status: OK")
		fmt.Println()
	}
	if exitCode == 0 {
		fmt.Println("Configuration check completed successfully.")
	} else {
		fmt.Println("Configuration check completed with errors.")
	}
	return exitCode
}

func printDependencies(label string, values []string) {
	fmt.Printf("    %s:\n", label)
	if len(values) == 0 {
		fmt.Println("      <none>")
		return
	}
	for _, value := range values {
		fmt.Printf("      - %s\n", value)
	}
}

func newTelemetryCollector(cfg config.TelemetryConfig, logger zerolog.Logger) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	collector, err := telemetry.NewPrometheusCollector(nil)
	if err != nil {
		return nil, err
	}
	if listen := strings.TrimSpace(cfg.Listen); listen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(listen, mux); err != nil {
				logger.Error().Err(err).Msg("metrics endpoint stopped")
			}
		}()
	}
	return collector, nil
}
