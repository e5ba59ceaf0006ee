// Command carve-report renders an offline report from the carve run
// ledger: a stage duration breakdown, a regions-vs-build-time scatter,
// and a region size histogram per run, all on one HTML page. With
// -png-dir it also writes the histograms as PNG files. The tool only
// reads the database; it never runs the pipeline.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/voxelkit/carve/internal/db"
)

var (
	dbPath = flag.String("db", "carve.db", "run ledger database to read")
	out    = flag.String("out", "carve-report.html", "output HTML path")
	limit  = flag.Int("limit", 20, "number of most recent runs to include")
	bins   = flag.Int("bins", 16, "histogram bin count for region sizes")
	pngDir = flag.String("png-dir", "", "also write per-run PNG histograms into this directory")
)

// viridis is the palette the visual maps use for the third dimension.
var viridis = []string{
	"#440154", "#482777", "#3e4989", "#31688e", "#26828e",
	"#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725",
}

func main() {
	flag.Parse()

	database, err := db.OpenDB(*dbPath)
	if err != nil {
		log.Fatalf("Open %s: %v", *dbPath, err)
	}
	defer database.Close()

	runs, err := database.ListRuns(*limit)
	if err != nil {
		log.Fatalf("List runs: %v", err)
	}
	if len(runs) == 0 {
		log.Fatalf("No runs recorded in %s", *dbPath)
	}

	sizesByRun := make(map[string][]uint32, len(runs))
	for _, r := range runs {
		if r.Outcome != db.OutcomeOK {
			continue
		}
		sizes, err := database.RegionSizes(r.ID)
		if err != nil {
			log.Fatalf("Region sizes for %s: %v", r.ID, err)
		}
		sizesByRun[r.ID] = sizes
	}

	page := components.NewPage()
	page.PageTitle = "Carve Runs"
	page.AddCharts(stageBreakdownChart(runs))
	page.AddCharts(regionsScatterChart(runs))
	for _, r := range runs {
		if sizes := sizesByRun[r.ID]; len(sizes) > 0 {
			page.AddCharts(sizeHistogramChart(r, sizes, *bins))
		}
	}

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Create %s: %v", *out, err)
	}
	if err := page.Render(f); err != nil {
		log.Fatalf("Render report: %v", err)
	}
	if err := f.Close(); err != nil {
		log.Fatalf("Close %s: %v", *out, err)
	}
	log.Printf("✓ Created: %s (%d runs)", *out, len(runs))

	if *pngDir != "" {
		n, err := writePNGHistograms(*pngDir, runs, sizesByRun, *bins)
		if err != nil {
			log.Fatalf("PNG histograms: %v", err)
		}
		log.Printf("✓ Created: %d PNG histograms in %s", n, *pngDir)
	}
}

// stageBreakdownChart stacks per-stage wall time in milliseconds, one
// bar per run, newest on the left.
func stageBreakdownChart(runs []db.Run) *charts.Bar {
	x := make([]string, 0, len(runs))
	stages := map[string][]opts.BarData{
		"filter": nil, "normalize": nil, "watershed": nil, "graph": nil,
	}
	for _, r := range runs {
		x = append(x, shortID(r.ID))
		stages["filter"] = append(stages["filter"], opts.BarData{Value: ms(r.FilterTime)})
		stages["normalize"] = append(stages["normalize"], opts.BarData{Value: ms(r.NormalizeTime)})
		stages["watershed"] = append(stages["watershed"], opts.BarData{Value: ms(r.WatershedTime)})
		stages["graph"] = append(stages["graph"], opts.BarData{Value: ms(r.GraphTime)})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "1200px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Stage durations", Subtitle: fmt.Sprintf("%d most recent runs, milliseconds", len(runs))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms"}),
	)
	bar.SetXAxis(x)
	for _, name := range []string{"filter", "normalize", "watershed", "graph"} {
		bar.AddSeries(name, stages[name], charts.WithBarChartOpts(opts.BarChart{Stack: "stages"}))
	}
	return bar
}

// regionsScatterChart plots final region count against total build time
// for successful runs, coloured by edge count.
func regionsScatterChart(runs []db.Run) *charts.Scatter {
	data := make([]opts.ScatterData, 0, len(runs))
	maxEdges := int64(1)
	for _, r := range runs {
		if r.Outcome != db.OutcomeOK {
			continue
		}
		total := ms(r.FilterTime + r.NormalizeTime + r.WatershedTime + r.GraphTime)
		data = append(data, opts.ScatterData{
			Name:  shortID(r.ID),
			Value: []interface{}{r.RegionsFinal, total, r.EdgeCount},
		})
		if r.EdgeCount > maxEdges {
			maxEdges = r.EdgeCount
		}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Regions vs build time", Subtitle: fmt.Sprintf("%d successful runs", len(data))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Regions", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Total (ms)", NameLocation: "middle", NameGap: 40}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxEdges),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries("runs", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}))
	return scatter
}

// sizeHistogramChart bins one run's region sizes into a bar chart.
func sizeHistogramChart(r db.Run, sizes []uint32, bins int) *charts.Bar {
	labels, counts := binSizes(sizes, bins)
	data := make([]opts.BarData, len(counts))
	for i, c := range counts {
		data[i] = opts.BarData{Value: c}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "1200px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Region sizes, run %s", shortID(r.ID)),
			Subtitle: fmt.Sprintf("%d regions, sigma %g, filter %s", len(sizes), r.Sigma, r.Filter),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Voxels"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Regions"}),
	)
	bar.SetXAxis(labels).AddSeries("regions", data)
	return bar
}

// binSizes buckets sizes into equal-width bins, returning one
// "lower-upper" label and one count per bin. A constant distribution
// collapses to a single bin.
func binSizes(sizes []uint32, bins int) ([]string, []int) {
	if len(sizes) == 0 || bins < 1 {
		return nil, nil
	}
	lo, hi := sizes[0], sizes[0]
	for _, s := range sizes[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	if lo == hi {
		return []string{fmt.Sprintf("%d", lo)}, []int{len(sizes)}
	}

	width := float64(hi-lo+1) / float64(bins)
	counts := make([]int, bins)
	for _, s := range sizes {
		b := int(float64(s-lo) / width)
		if b >= bins {
			b = bins - 1
		}
		counts[b]++
	}
	labels := make([]string, bins)
	for i := range labels {
		lower := lo + uint32(float64(i)*width)
		upper := lo + uint32(float64(i+1)*width) - 1
		if upper > hi {
			upper = hi
		}
		if lower == upper {
			labels[i] = fmt.Sprintf("%d", lower)
		} else {
			labels[i] = fmt.Sprintf("%d-%d", lower, upper)
		}
	}
	return labels, counts
}

// writePNGHistograms writes one region size histogram per successful
// run into dir, named <id>_sizes.png.
func writePNGHistograms(dir string, runs []db.Run, sizesByRun map[string][]uint32, bins int) (int, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create output dir: %w", err)
	}

	count := 0
	for _, r := range runs {
		sizes := sizesByRun[r.ID]
		if len(sizes) == 0 {
			continue
		}
		vals := make(plotter.Values, len(sizes))
		for i, s := range sizes {
			vals[i] = float64(s)
		}

		p := plot.New()
		p.Title.Text = fmt.Sprintf("Region sizes, run %s", shortID(r.ID))
		p.X.Label.Text = "Voxels"
		p.Y.Label.Text = "Regions"

		h, err := plotter.NewHist(vals, bins)
		if err != nil {
			return count, fmt.Errorf("run %s: %w", r.ID, err)
		}
		p.Add(h)

		file := filepath.Join(dir, fmt.Sprintf("%s_sizes.png", shortID(r.ID)))
		if err := p.Save(8*vg.Inch, 4*vg.Inch, file); err != nil {
			return count, fmt.Errorf("save histogram: %w", err)
		}
		count++
	}
	return count, nil
}

// shortID trims a run UUID to its first block for chart labels.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
