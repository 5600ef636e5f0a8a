// Command covfuzz runs a coverage-guided fuzzing campaign in one of three
// modes: simple (one process), restarting (one supervised client that
// survives target crashes) or launcher (one client per core plus a broker).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"alma.local/covfuzz/config"
	"alma.local/covfuzz/events"
	"alma.local/covfuzz/fuzzer"
	"alma.local/covfuzz/internal/engine"
	"alma.local/covfuzz/internal/logging"
	"alma.local/covfuzz/internal/targets"
	"alma.local/covfuzz/launcher"
	"alma.local/covfuzz/monitor"
	"alma.local/covfuzz/restart"
	"alma.local/covfuzz/shmem"
)

var (
	flagConfig      = flag.StringP("config", "c", "", "path to a YAML configuration file")
	flagMode        = flag.StringP("mode", "m", "", "simple, restarting or launcher")
	flagTarget      = flag.StringP("target", "t", "", "in-process target to fuzz (see --list-targets)")
	flagCores       = flag.String("cores", "", `cores for launcher mode, e.g. "0-3,6" or "all"`)
	flagSeed        = flag.Uint64("seed", 0, "random seed (0 picks one from the clock)")
	flagSeedDir     = flag.String("seed-dir", "", "directory of initial inputs")
	flagSolutions   = flag.StringP("solutions", "o", "", "directory solutions are written to")
	flagTimeout     = flag.Duration("timeout", 0, "per-execution timeout, negative disables the watchdog")
	flagMapSize     = flag.Int("map-size", 0, "coverage map size (power of two)")
	flagSchedule    = flag.String("schedule", "", "power schedule: explore, exploit, fast, coe, lin, quad")
	flagStop        = flag.String("stop", "", "stop condition: never, first-solution, iterations, executions, duration")
	flagIterations  = flag.Uint64("iterations", 0, "iterations for --stop=iterations")
	flagExecutions  = flag.Uint64("executions", 0, "executions for --stop=executions")
	flagDuration    = flag.Duration("duration", 0, "run time for --stop=duration")
	flagIgnoreCrash = flag.Bool("ignore-crashes", false, "do not treat crashes as solutions")
	flagIgnoreOom   = flag.Bool("ignore-ooms", false, "do not treat out-of-memory as solutions")
	flagIgnoreHang  = flag.Bool("ignore-timeouts", false, "do not treat timeouts as solutions")
	flagMetrics     = flag.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flagLogLevel    = flag.String("log-level", "", "log level")
	flagLogFormat   = flag.String("log-format", "", "log format: text or json")
	flagList        = flag.Bool("list-targets", false, "print the built-in targets and exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] [-- command args... (@@ = input file)]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *flagList {
		for _, name := range targets.Names() {
			t, _ := targets.Lookup(name)
			fmt.Printf("%-10s %s\n", t.Name, t.Description)
		}
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if restart.IsChild() {
		code := restart.RunChild(ctx, cfg, monitor.NewLogSimple(log.StandardLogger()))
		stop()
		os.Exit(code)
	}

	mon, shutdown, err := newMonitor(cfg)
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}
	defer shutdown()

	switch cfg.Mode {
	case "simple":
		err = runSimple(ctx, cfg, mon)
	case "restarting":
		err = runRestarting(ctx, cfg)
	case "launcher":
		err = launcher.New(cfg, os.Args, mon).Run(ctx)
	}
	switch {
	case err == nil:
		log.Info("campaign finished")
	case errors.Is(err, fuzzer.ErrShuttingDown):
		log.Info("fuzzing stopped")
	default:
		shutdown()
		log.Fatalf("fuzzing failed: %+v", err)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if *flagConfig != "" {
		c, err := config.Load(*flagConfig)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = config.Default()
	}

	set := func(name string, apply func()) {
		if flag.CommandLine.Changed(name) {
			apply()
		}
	}
	set("mode", func() { cfg.Mode = *flagMode })
	set("target", func() { cfg.Target = *flagTarget })
	set("cores", func() { cfg.Cores = *flagCores })
	set("seed", func() { cfg.Engine.Seed = *flagSeed })
	set("seed-dir", func() { cfg.Engine.SeedDir = *flagSeedDir })
	set("solutions", func() { cfg.Engine.SolutionsDir = *flagSolutions })
	set("timeout", func() { cfg.Engine.Timeout = *flagTimeout })
	set("map-size", func() { cfg.Engine.MapSize = *flagMapSize })
	set("schedule", func() { cfg.Engine.Schedule = *flagSchedule })
	set("stop", func() { cfg.Stop.Condition = *flagStop })
	set("iterations", func() { cfg.Stop.Iterations = *flagIterations })
	set("executions", func() { cfg.Stop.Executions = *flagExecutions })
	set("duration", func() { cfg.Stop.Duration = *flagDuration })
	set("ignore-crashes", func() { cfg.Ignore.Crashes = *flagIgnoreCrash })
	set("ignore-ooms", func() { cfg.Ignore.Ooms = *flagIgnoreOom })
	set("ignore-timeouts", func() { cfg.Ignore.Timeouts = *flagIgnoreHang })
	set("metrics-addr", func() { cfg.Metrics.Addr = *flagMetrics })
	set("log-level", func() { cfg.Log.Level = *flagLogLevel })
	set("log-format", func() { cfg.Log.Format = *flagLogFormat })
	if args := flag.Args(); len(args) > 0 {
		cfg.Command = args
		cfg.Target = ""
	}
	return cfg, cfg.Validate()
}

// newMonitor builds the campaign monitor and, when configured, the metrics
// endpoint. The returned func stops the endpoint.
func newMonitor(cfg *config.Config) (monitor.Monitor, func(), error) {
	var mon monitor.Monitor = monitor.NewLogSimple(log.StandardLogger())
	if cfg.Mode == "launcher" {
		mon = monitor.NewMulti(func(line string) { log.Info(line) })
	}
	if cfg.Metrics.Addr == "" {
		return mon, func() {}, nil
	}
	if cfg.Mode == "restarting" {
		// stats live in the supervised client, which does not serve them
		log.Warn("metrics endpoint is not available in restarting mode")
		return mon, func() {}, nil
	}
	reg := prometheus.NewRegistry()
	pm, err := monitor.NewPrometheus(reg)
	if err != nil {
		return nil, nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics endpoint failed")
		}
	}()
	log.WithField("addr", cfg.Metrics.Addr).Info("serving metrics")
	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
	return monitor.Tee{mon, pm}, shutdown, nil
}

func runSimple(ctx context.Context, cfg *config.Config, mon monitor.Monitor) error {
	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()
	st, err := engine.NewState(cfg, 0)
	if err != nil {
		return err
	}
	mgr := events.NewSimple(mon, events.WithReportInterval(cfg.Events.ReportInterval))
	defer mgr.Close()
	return eng.Run(ctx, st, mgr)
}

func runRestarting(ctx context.Context, cfg *config.Config) error {
	region, err := shmem.CreateStateRegion(shmem.NewName("covfuzz-state"), cfg.Events.StateRegionSize, cfg.Engine.MaxInputSize)
	if err != nil {
		return err
	}
	defer region.Remove()
	sup := restart.NewSupervisor(os.Args, region,
		restart.WithClient(0, -1),
		restart.WithRespawnDelay(cfg.Events.RespawnDelay),
		restart.WithOomExitCode(cfg.Engine.OomExitCode),
	)
	return sup.Run(ctx)
}
