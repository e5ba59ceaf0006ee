// Command carve runs the interactive-segmentation preprocessing
// pipeline over a volume: filter, normalize, watershed, region graph.
// It either performs one build and prints a summary, or serves the
// HTTP API for interactive use.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/voxelkit/carve/internal/api"
	"github.com/voxelkit/carve/internal/carve"
	"github.com/voxelkit/carve/internal/carve/pipeline"
	"github.com/voxelkit/carve/internal/config"
	"github.com/voxelkit/carve/internal/db"
	"github.com/voxelkit/carve/internal/monitoring"
	"github.com/voxelkit/carve/internal/version"
	"github.com/voxelkit/carve/internal/volume"
)

var (
	inputPath   = flag.String("input", "", "Raw float32 little-endian volume file (requires -dims)")
	dims        = flag.String("dims", "", "Input dimensions as X,Y,Z")
	demo        = flag.Bool("demo", false, "Use a built-in synthetic volume instead of -input")
	sigma       = flag.Float64("sigma", carve.DefaultSigma, "Gaussian scale of the filter stage")
	filterName  = flag.String("filter", carve.FilterRidgeBright.String(), "Filter kind: ridge-bright, ridge-dark, edge-magnitude, smoothed, smoothed-inverted")
	agglomerate = flag.Bool("agglomerate", true, "Merge initial watershed regions toward -reduce-to")
	sizeReg     = flag.Float64("size-regularizer", carve.DefaultSizeRegularizer, "Agglomeration size bias in [0,1]")
	reduceTo    = flag.Float64("reduce-to", carve.DefaultReduceTo, "Agglomeration target as a fraction of initial regions, in (0,1]")
	workers     = flag.Int("workers", 0, "Worker pool size (0 = one per CPU)")
	configPath  = flag.String("config", "", "Optional JSON service configuration file")
	dbPath      = flag.String("db", "", "SQLite run ledger path (explicitly empty disables the ledger)")
	listen      = flag.String("listen", "", "HTTP listen address (empty = run one build and exit)")
	once        = flag.Bool("once", false, "Run one build and exit even when -listen is set")
	verbose     = flag.Int("verbose", 0, "Log detail: 0 operational, 1 adds stage diagnostics, 2 adds per-block tracing")
	migrations  = flag.String("migrations", "internal/db/migrations", "Schema migrations directory (migrate subcommand)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Subcommands follow the flags: carve [-db path] migrate up
	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "migrate":
			db.RunMigrateCommand(args[1:], resolvedDBPath(), *migrations)
			return
		default:
			log.Fatalf("Unknown command: %s", args[0])
		}
	}

	setupLogging()

	params, err := resolveParameters()
	if err != nil {
		log.Fatalf("Invalid parameters: %v", err)
	}

	pre := pipeline.NewPreprocessor(pipeline.Config{
		Workers:   resolvedWorkers(),
		BlockEdge: serviceConfig().GetBlockEdge(),
	})
	pre.SetParameters(params)

	input, err := loadInput()
	if err != nil {
		log.Fatalf("Failed to load input volume: %v", err)
	}
	if input != nil {
		pre.SetInput(volume.NewMemorySource(input))
		monitoring.Logf("input volume attached: %s", input.Shape)
	}

	var database *db.DB
	if path := resolvedDBPath(); path != "" {
		database, err = db.NewDB(path)
		if err != nil {
			log.Fatalf("Failed to open run ledger: %v", err)
		}
		defer database.Close()
		api.WireRunLedger(pre, database)
		monitoring.Logf("run ledger: %s", path)
	}

	addr := resolvedListenAddr()
	if addr == "" || *once {
		runOnce(pre)
		return
	}

	serve(pre, database, addr)
}

// configOnce makes the optional config file a load-once value so every
// resolver shares one parse and one failure.
var (
	configOnce sync.Once
	cfgLoaded  *config.ServiceConfig
)

func serviceConfig() *config.ServiceConfig {
	configOnce.Do(func() {
		if *configPath == "" {
			cfgLoaded = config.Empty()
			return
		}
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfgLoaded = cfg
		monitoring.Logf("loaded configuration from %s", *configPath)
	})
	return cfgLoaded
}

// flagWasSet reports whether a flag appeared on the command line, so
// explicit flags can override config file values without the defaults
// clobbering them.
func flagWasSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func resolveParameters() (carve.Parameters, error) {
	params := serviceConfig().GetParameters()

	if flagWasSet("sigma") {
		params.Sigma = *sigma
	}
	if flagWasSet("filter") {
		kind, err := carve.ParseFilterKind(*filterName)
		if err != nil {
			return params, err
		}
		params.Filter = kind
	}
	if flagWasSet("agglomerate") {
		params.Agglomerate = *agglomerate
	}
	if flagWasSet("size-regularizer") {
		params.SizeRegularizer = *sizeReg
	}
	if flagWasSet("reduce-to") {
		params.ReduceTo = *reduceTo
	}
	return params, params.Validate()
}

func resolvedWorkers() int {
	if flagWasSet("workers") {
		return *workers
	}
	return serviceConfig().GetWorkers()
}

func resolvedDBPath() string {
	if flagWasSet("db") {
		return *dbPath
	}
	return serviceConfig().GetDBPath()
}

func resolvedListenAddr() string {
	if flagWasSet("listen") {
		return *listen
	}
	return serviceConfig().GetListenAddr()
}

// setupLogging routes the ops stream to stderr always and opens the
// diagnostic and trace streams with -verbose. CARVE_DEBUG_LOG=1 is the
// everything-on escape hatch for field debugging.
func setupLogging() {
	level := *verbose
	if os.Getenv("CARVE_DEBUG_LOG") != "" {
		level = 2
	}

	var diag, trace io.Writer
	if level >= 1 {
		diag = os.Stderr
	}
	if level >= 2 {
		trace = os.Stderr
	}
	carve.SetLogWriters(os.Stderr, diag, trace)
	pipeline.SetLogWriters(os.Stderr, diag, trace)
}

// loadInput returns the volume selected by -input/-demo, or nil when
// neither is given (the service can start empty and wait for data).
func loadInput() (*volume.Volume, error) {
	switch {
	case *demo && *inputPath != "":
		return nil, fmt.Errorf("-demo and -input are mutually exclusive")
	case *demo:
		return demoVolume(), nil
	case *inputPath != "":
		return loadRawVolume(*inputPath, *dims)
	default:
		return nil, nil
	}
}

// loadRawVolume reads a raw little-endian float32 volume laid out in
// canonical order (z fastest, then y, then x).
func loadRawVolume(path, dimSpec string) (*volume.Volume, error) {
	parts := strings.Split(dimSpec, ",")
	if len(parts) != 3 {
		return nil, fmt.Errorf("-dims must be X,Y,Z, got %q", dimSpec)
	}
	var nx, ny, nz int
	for i, dst := range []*int{&nx, &ny, &nz} {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid dimension %q", parts[i])
		}
		*dst = n
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	v := volume.New(volume.Shape{1, nx, ny, nz, 1})
	if want := len(v.Data) * 4; len(data) != want {
		return nil, fmt.Errorf("%s holds %d bytes, want %d for %s", path, len(data), want, v.Shape)
	}
	for i := range v.Data {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		v.Data[i] = float64(math.Float32frombits(bits))
	}
	return v, nil
}

// demoVolume is a deterministic synthetic fixture: two bright tubes
// along y plus a Gaussian blob, the kind of structure the default
// bright-ridge filter is built for.
func demoVolume() *volume.Volume {
	const nx, ny, nz = 64, 64, 8
	v := volume.New(volume.Shape{1, nx, ny, nz, 1})
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				dx1 := float64(x - 16)
				dx2 := float64(x - 44)
				bx := float64(x - 32)
				by := float64(y - 32)
				bz := float64(z - 4)
				val := math.Exp(-dx1*dx1/8) + math.Exp(-dx2*dx2/8) +
					0.6*math.Exp(-(bx*bx+by*by+4*bz*bz)/60)
				v.Set(0, x, y, z, 0, val)
			}
		}
	}
	return v
}

// runOnce performs a single blocking build and prints its summary.
func runOnce(pre *pipeline.Preprocessor) {
	res, err := pre.Result()
	if err != nil {
		log.Fatalf("Build failed: %v", err)
	}

	g := res.Graph
	stats := g.SizeStats()
	fmt.Printf("run %s\n", res.ID)
	fmt.Printf("  params:      %s\n", res.Params)
	fmt.Printf("  regions:     %d (%d edges, MST weight %.3f)\n", g.NumRegions(), g.NumEdges(), g.MSTWeight())
	fmt.Printf("  region size: mean %.1f median %.1f p95 %.1f\n", stats.Mean, stats.Median, stats.P95)
	fmt.Printf("  timings:     filter %s, normalize %s, watershed %s, graph %s\n",
		res.Timings.Filter, res.Timings.Normalize, res.Timings.Watershed, res.Timings.Graph)
}

// serve runs the HTTP API until SIGINT/SIGTERM.
func serve(pre *pipeline.Preprocessor, database *db.DB, addr string) {
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(pre, database).ServeMux()
		if database != nil {
			database.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    addr,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			monitoring.Logf("carve %s listening on %s", version.Version, addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		monitoring.Logf("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				monitoring.Logf("HTTP server force close error: %v", err)
			}
		}
	}()

	wg.Wait()
	monitoring.Logf("Graceful shutdown complete")
}
