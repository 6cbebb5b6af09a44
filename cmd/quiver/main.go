package main

import (
	"context"
	"flag"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-quiver/internal/config"
)

var (
	configPath  = flag.String("config", "", "Path to a YAML config overlaying the defaults")
	checks      = flag.String("check", "all", "Checks to run: all or a comma list of tied, hub, t5x")
	testdataDir = flag.String("testdata", "", "Fixture directory (overrides the config)")
	arrowOut    = flag.String("arrow-out", "", "Directory to write per-check logits as Arrow IPC streams")
	metricsOut  = flag.String("metrics-out", "", "Write Prometheus metrics to this textfile on exit")
	cpuProfile  = flag.String("cpuprofile", "", "Write cpu profile to file")
	parallel    = flag.Int("parallel", 0, "Maximum concurrent checks (0 = unlimited)")
	logLevel    = flag.String("log-level", "", "Log level (overrides the config)")
	enableOTel  = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load config")
		return 2
	}
	if err := applyFlags(&cfg); err != nil {
		log.Error().Err(err).Msg("Invalid flags")
		return 2
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Error().Err(err).Msg("Invalid log level")
		return 2
	}
	zerolog.SetGlobalLevel(level)

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize tracer")
			return 2
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create CPU profile file")
			return 2
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Error().Err(err).Msg("Could not start CPU profile")
			return 2
		}
		defer pprof.StopCPUProfile()
	}

	start := time.Now()
	results, err := runChecks(context.Background(), cfg, *parallel)
	for _, r := range results {
		ev := log.Info()
		if r.Err != nil {
			ev = log.Error().Err(r.Err)
		}
		ev.Str("check", r.Name).Dur("elapsed", r.Elapsed).Fields(r.Fields).Msg("Check finished")
	}

	if *arrowOut != "" {
		if werr := writeArrow(*arrowOut, results); werr != nil {
			log.Warn().Err(werr).Msg("Failed to write arrow output")
		}
	}
	if *metricsOut != "" {
		if werr := prometheus.WriteToTextfile(*metricsOut, prometheus.DefaultGatherer); werr != nil {
			log.Warn().Err(werr).Msg("Failed to write metrics")
		}
	}

	if err != nil {
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Verification failed")
		return 1
	}
	log.Info().Int("checks", len(results)).Dur("elapsed", time.Since(start)).Msg("All checks passed")
	return 0
}

// applyFlags overlays explicitly set flags onto cfg.
func applyFlags(cfg *config.Config) error {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["check"] {
		cfg.Checks = parseChecks(*checks)
	}
	if *testdataDir != "" {
		cfg.TestdataDir = *testdataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	return cfg.Validate()
}

func parseChecks(s string) []string {
	if s == "" || s == "all" {
		return append([]string(nil), config.AllChecks...)
	}
	var out []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("quiver"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
