// Package main runs one TripScope analysis over a trip file and writes the
// heatmap, routes, anomalies, overview and data quality report as one JSON
// document.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tripscope/tripscope/internal/anomaly"
	"github.com/tripscope/tripscope/internal/config"
	"github.com/tripscope/tripscope/internal/ingest"
	"github.com/tripscope/tripscope/internal/pipeline"
	"github.com/tripscope/tripscope/internal/query"
	"github.com/tripscope/tripscope/internal/routes"
	"github.com/tripscope/tripscope/internal/spatial"
	"github.com/tripscope/tripscope/pkg/polyline"
)

// Version is set at compile time via ldflags.
var Version = "dev"

type route struct {
	routes.RouteCluster
	Polyline string `json:"polyline"`
}

type document struct {
	RunID       string                  `json:"runId"`
	GeneratedAt time.Time               `json:"generatedAt"`
	Source      string                  `json:"source"`
	Strategy    string                  `json:"strategy"`
	Heatmap     []query.SmoothedBin     `json:"heatmap"`
	Routes      []route                 `json:"routes"`
	Anomalies   []anomaly.AnomalyRecord `json:"anomalies"`
	Overview    query.Overview          `json:"overview"`
	Report      pipeline.Report         `json:"report"`
}

func main() {
	var (
		in         = flag.String("in", "", "trip CSV file, - for stdin")
		sqlitePath = flag.String("sqlite", "", "read trip_points from this SQLite database instead of CSV")
		cfgPath    = flag.String("config", "", "JSON tuning file")
		out        = flag.String("out", "-", "output file, - for stdout")
		pretty     = flag.Bool("pretty", false, "indent the JSON output")
		noise      = flag.Bool("noise", false, "append unclustered trips as route -1")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Str("version", Version).
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, options{
		in: *in, sqlitePath: *sqlitePath, cfgPath: *cfgPath,
		out: *out, pretty: *pretty, noise: *noise,
	}); err != nil {
		log.Error().Err(err).Msg("analysis failed")
		os.Exit(1)
	}
}

type options struct {
	in, sqlitePath, cfgPath, out string
	pretty, noise                bool
}

func run(ctx context.Context, log zerolog.Logger, opts options) error {
	cfg := config.Default()
	var err error
	if opts.cfgPath != "" {
		if cfg, err = config.LoadFile(opts.cfgPath, cfg); err != nil {
			return err
		}
	}
	if cfg, err = config.FromEnv(cfg); err != nil {
		return err
	}

	p, err := pipeline.New(cfg, log)
	if err != nil {
		return err
	}

	source, err := openSource(opts, log)
	if err != nil {
		return err
	}
	if c, ok := source.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	records, err := source.Records(ctx)
	if err != nil {
		return err
	}
	points, rejections := ingest.Parse(records)
	for _, r := range rejections {
		log.Debug().Int("line", r.Line).Str("trip_id", r.TripID).Str("reason", r.Reason).Msg("record rejected")
	}

	result, err := p.RunBatch(ctx, pipeline.Batch{Points: points, RecordsRejected: len(rejections)})
	if err != nil {
		return err
	}
	f := query.New(result)

	doc, err := buildDocument(f, source.Name(), opts.noise)
	if err != nil {
		return err
	}

	// Hide Stdout's Close so only files are closed.
	w := io.Writer(struct{ io.Writer }{os.Stdout})
	if opts.out != "-" {
		file, err := os.Create(opts.out)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		w = file
	}
	if err := writeDocument(w, doc, opts.pretty); err != nil {
		return err
	}

	log.Info().
		Str("run_id", doc.RunID).
		Int("trips", doc.Overview.TotalTrips).
		Int("bins", len(doc.Heatmap)).
		Int("routes", len(doc.Routes)).
		Int("records_rejected", doc.Report.RecordsRejected).
		Msg("analysis written")
	return nil
}

func openSource(opts options, log zerolog.Logger) (ingest.Source, error) {
	switch {
	case opts.sqlitePath != "":
		return ingest.OpenSQLite(opts.sqlitePath, log)
	case opts.in == "-":
		return ingest.NewCSVReaderSource("stdin", os.Stdin), nil
	case opts.in != "":
		return ingest.NewCSVSource(opts.in), nil
	}
	return nil, &config.ConfigurationError{Field: "in", Reason: "one of -in or -sqlite is required"}
}

// writeDocument encodes doc to w and closes w when it is an io.Closer. A
// close failure is reported unless the write already failed.
func writeDocument(w io.Writer, doc document, pretty bool) (err error) {
	if c, ok := w.(io.Closer); ok {
		defer func() {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close output: %w", cerr)
			}
		}()
	}

	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func buildDocument(f *query.Facade, source string, includeNoise bool) (document, error) {
	bins, err := f.GetHeatmap(query.HeatmapQuery{})
	if err != nil {
		return document{}, err
	}
	clusters, err := f.GetRoutes(query.RoutesQuery{IncludeNoise: includeNoise})
	if err != nil {
		return document{}, err
	}
	anomalies, err := f.GetAnomalies(query.AnomaliesQuery{})
	if err != nil {
		return document{}, err
	}

	doc := document{
		RunID:       f.RunID(),
		GeneratedAt: f.GeneratedAt(),
		Source:      source,
		Strategy:    f.Strategy(),
		Heatmap:     query.Smooth(bins, query.DefaultSmoothingConfig()),
		Routes:      make([]route, 0, len(clusters)),
		Anomalies:   anomalies,
		Overview:    f.Overview(),
		Report:      f.Report(),
	}
	for _, c := range clusters {
		path := make([]polyline.Coordinate, 0, len(c.RepresentativeCells))
		for _, cell := range c.RepresentativeCells {
			if ll, err := spatial.Center(cell); err == nil {
				path = append(path, polyline.Coordinate{Lat: ll.Lat, Lon: ll.Lon})
			}
		}
		doc.Routes = append(doc.Routes, route{RouteCluster: c, Polyline: polyline.Encode(path)})
	}
	return doc, nil
}
