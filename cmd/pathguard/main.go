package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/pathguard/internal/api"
	"github.com/banshee-data/pathguard/internal/config"
	"github.com/banshee-data/pathguard/internal/db"
	"github.com/banshee-data/pathguard/internal/executor"
	"github.com/banshee-data/pathguard/internal/flatness"
	"github.com/banshee-data/pathguard/internal/httputil"
	"github.com/banshee-data/pathguard/internal/planner"
	"github.com/banshee-data/pathguard/internal/replan"
	"github.com/banshee-data/pathguard/internal/report"
	"github.com/banshee-data/pathguard/internal/safety"
	"github.com/banshee-data/pathguard/internal/scenario"
	"github.com/banshee-data/pathguard/internal/security"
	"github.com/banshee-data/pathguard/internal/serialmux"
	"github.com/banshee-data/pathguard/internal/version"
	"github.com/banshee-data/pathguard/internal/voxelmap"
)

var (
	listen         = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen     = flag.String("grpc-listen", ":50051", "gRPC health listen address (empty to disable)")
	dbPath         = flag.String("db-path", "pathguard.db", "Path to the SQLite database")
	configPath     = flag.String("config", config.DefaultConfigPath, "Path to the JSON tuning config")
	scenarioPath   = flag.String("scenario", "", "YAML scenario with the map and goals to load at start")
	port           = flag.String("port", "", "Serial port carrying pose telemetry (empty to simulate)")
	baudRate       = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	replayFile     = flag.String("replay", "", "Replay pose telemetry lines from a file instead of a serial port")
	replayInterval = flag.Duration("replay-interval", 10*time.Millisecond, "Delay between replayed telemetry lines")
	telemetryAge   = flag.Duration("telemetry-max-age", 100*time.Millisecond, "Refuse poses older than this (0 to disable)")
	sampleInterval = flag.Duration("sample-interval", 100*time.Millisecond, "Minimum interval between stored progress samples")
	plotDir        = flag.String("plot-dir", "", "Write a top-down PNG of every installed plan into this directory")
	chartAssets    = flag.String("chart-assets", "", "Override the echarts assets host for chart pages")
	showVersion    = flag.Bool("version", false, "Print version information and exit")
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags] [run|migrate|plot] [args]\n\n", os.Args[0])
	fmt.Fprintln(out, "Subcommands:")
	fmt.Fprintln(out, "  run                         run the safety monitor (default)")
	fmt.Fprintln(out, "  migrate up|down|status      manage the database schema")
	fmt.Fprintln(out, "  plot -plan <id> -out <file> plot a recorded plan's progress")
	fmt.Fprintln(out, "\nFlags:")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cmd, args := "run", []string(nil)
	if flag.NArg() > 0 {
		cmd, args = flag.Arg(0), flag.Args()[1:]
	}

	var err error
	switch cmd {
	case "run":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		err = run(ctx)
		stop()
	case "migrate":
		err = db.RunMigrateCommand(os.Stdout, args, *dbPath)
	case "plot":
		err = runPlot(args)
	default:
		usage()
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

// runPlot implements the plot subcommand.
func runPlot(args []string) error {
	fs := flag.NewFlagSet("plot", flag.ContinueOnError)
	planID := fs.String("plan", "", "Plan ID to plot")
	out := fs.String("out", "", "Output file (.png, .svg or .pdf)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *planID == "" || *out == "" {
		fs.Usage()
		return errors.New("-plan and -out are required")
	}
	if err := security.ValidateOutputPath(*out); err != nil {
		return err
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	plan, err := database.GetPlan(*planID)
	if err != nil {
		return err
	}
	samples, err := database.ProgressForPlan(plan.ID)
	if err != nil {
		return err
	}
	title := fmt.Sprintf("plan %s (%.2fs, %s)", plan.ID, plan.Duration, plan.Outcome)
	if err := report.PlotProgress(title, samples, *out); err != nil {
		return err
	}
	log.Printf("wrote %d samples to %s", len(samples), *out)
	return nil
}

// run wires the map, planner, monitor and coordinator to the control loop and
// serves the API until ctx is done.
func run(ctx context.Context) error {
	tuning, err := config.LoadTuningConfig(*configPath)
	if err != nil {
		return err
	}

	mapCfg := voxelmap.ConfigFromTuning(tuning)
	var sc *scenario.Scenario
	if *scenarioPath != "" {
		if sc, err = scenario.Load(*scenarioPath); err != nil {
			return err
		}
		mapCfg = sc.MapConfig(mapCfg)
		log.Printf("loaded scenario %q: %d obstacles, %d goals", sc.Name, len(sc.Map.Obstacles), len(sc.Goals))
	}
	vm, err := voxelmap.New(mapCfg)
	if err != nil {
		return err
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	flat := flatness.FromTuning(tuning)
	coord := replan.New(vm, planner.New(planner.ConfigFromTuning(tuning), vm, flat),
		safety.NewMonitor(safety.ConfigFromTuning(tuning)), replan.Options{Observer: database})
	defer coord.Close()

	var wg sync.WaitGroup
	mux := http.NewServeMux()
	if err := database.AttachAdminRoutes(mux); err != nil {
		return err
	}

	var source replan.TelemetrySource = executor.FollowSource{Flat: flat}
	switch {
	case *replayFile != "":
		f, err := os.Open(*replayFile)
		if err != nil {
			return fmt.Errorf("failed to open replay file: %w", err)
		}
		m := serialmux.NewSerialMux(serialmux.NewReaderPort(serialmux.NewLinePacer(f, *replayInterval)))
		defer m.Close()
		source = startTelemetry(ctx, &wg, m, mux)
	case *port != "":
		m, err := serialmux.Open(*port, serialmux.PortOptions{BaudRate: *baudRate})
		if err != nil {
			return fmt.Errorf("failed to open telemetry port: %w", err)
		}
		defer m.Close()
		source = startTelemetry(ctx, &wg, m, mux)
	default:
		log.Print("no telemetry port configured, assuming the vehicle follows the plan")
	}

	latest := &executor.Latest{}
	health := api.NewHealthPublisher()
	sinks := []executor.Sink{
		executor.NewLogSink(nil, tuning.GetStatusLogInterval()),
		latest,
		db.NewProgressSink(database, nil, *sampleInterval),
		health,
	}
	var plotter *planPlotter
	if *plotDir != "" {
		plotter = newPlanPlotter(coord, *plotDir, obstacleBoxes(sc))
		sinks = append(sinks, plotter)
	}
	loop := executor.NewLoop(executor.LoopConfig{
		Ticker:   coord,
		Source:   source,
		Sinks:    sinks,
		Interval: executor.IntervalFromHz(tuning.GetLoopHz()),
	})

	if *grpcListen != "" {
		if err := health.Start(*grpcListen); err != nil {
			return err
		}
		defer health.Stop()
	}

	if *chartAssets != "" {
		api.SetChartAssetsHost(*chartAssets)
	}
	apiMux := api.NewServer(coord, latest, database).ServeMux()
	mux.Handle("/api/", apiMux)
	mux.Handle("/charts/", apiMux)
	server := &http.Server{
		Addr:              *listen,
		Handler:           httputil.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop.Run(ctx); err != nil {
			log.Printf("control loop error: %v", err)
		}
		log.Print("control loop terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("HTTP listening on %s", *listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	if sc != nil {
		loadScenario(coord, sc, mapCfg.VoxelWidth)
	}

	<-ctx.Done()
	log.Println("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	wg.Wait()
	coord.Wait()
	if plotter != nil {
		plotter.Wait()
	}
	log.Print("graceful shutdown complete")
	return nil
}

// startTelemetry runs the line multiplexer and feeds its lines into a
// PoseSource that becomes the loop's telemetry.
func startTelemetry[T serialmux.SerialPorter](ctx context.Context, wg *sync.WaitGroup, m *serialmux.SerialMux[T], mux *http.ServeMux) *serialmux.PoseSource {
	m.AttachAdminRoutes(mux)
	src := serialmux.NewPoseSource(nil, *telemetryAge)
	id, lines := m.Subscribe()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor telemetry port: %v", err)
		}
		log.Print("telemetry monitor terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer m.Unsubscribe(id)
		src.Consume(ctx, lines)
		total, bad := src.Counts()
		log.Printf("telemetry consumer terminated: %d lines, %d rejected", total, bad)
	}()
	return src
}

// loadScenario hands the scenario map and goals to the coordinator.
func loadScenario(coord *replan.Coordinator, sc *scenario.Scenario, voxelWidth float64) {
	n, err := coord.HandleMap(sc.PointCloud(voxelWidth))
	if err != nil {
		log.Printf("scenario map rejected: %v", err)
		return
	}
	log.Printf("scenario map ingested: %d points", n)
	sent, err := sc.SendGoals(coord)
	if err != nil {
		log.Printf("scenario goals: %v", err)
	}
	log.Printf("scenario goals sent: %d of %d", len(sent), len(sc.Goals))
}
