// Command weightscope flattens, plots, describes and stores the parameter
// tensors of one or more models.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-weightscope/internal/arrow_client"
	"github.com/23skdu/longbow-weightscope/internal/config"
	"github.com/23skdu/longbow-weightscope/internal/logger"
	"github.com/23skdu/longbow-weightscope/internal/monitoring"
	"github.com/23skdu/longbow-weightscope/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	interactive bool
	jsonOut     bool
	flightAddr  string
}

// parseFlags layers defaults, the config file, the environment and then the
// flags that were set explicitly.
func parseFlags(args []string, stderr io.Writer) (config.Config, options, []string, error) {
	var (
		opts        options
		mongoURI    string
		database    string
		collection  string
		plotDir     string
		createPlots bool
		verbose     bool
		logFormat   string
		workers     int
		onError     string
		metricsAddr string
	)

	def := config.Default()
	fs := flag.NewFlagSet("weightscope", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "YAML config file")
	fs.StringVar(&mongoURI, "mongo", "", "MongoDB connection string (memory:// keeps documents in process)")
	fs.StringVar(&database, "db", def.Database, "Database name")
	fs.StringVar(&collection, "collection", def.Collection, "Collection name")
	fs.StringVar(&plotDir, "plots", def.PlotDir, "Directory for histogram PNGs")
	fs.BoolVar(&createPlots, "create-plots", false, "Create the plot directory if it is missing")
	fs.BoolVar(&opts.interactive, "interactive", false, "Ask before creating a missing plot directory")
	fs.BoolVar(&verbose, "verbose", def.Verbose, "Emit log output")
	fs.StringVar(&logFormat, "log-format", def.LogFormat, "Log format: console or json")
	fs.IntVar(&workers, "workers", def.Workers, "Models plotted and analysed in parallel")
	fs.StringVar(&onError, "on-error", def.FailurePolicy.String(), "Failure policy: abort or skip")
	fs.StringVar(&metricsAddr, "metrics", "", "Address to serve /metrics, /healthz and /status")
	fs.BoolVar(&opts.jsonOut, "json", false, "Print the batch summary as JSON")
	fs.StringVar(&opts.flightAddr, "flight", fmt.Sprintf("localhost:%d", arrow_client.DefaultPort), "Arrow Flight address for flight:<name> models")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: weightscope [flags] MODEL...\n\n")
		fmt.Fprintf(stderr, "MODEL is path.gguf, path.arrow, flight:<name> or an Ollama model name,\n")
		fmt.Fprintf(stderr, "optionally prefixed by name= to override the model name.\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return config.Config{}, opts, nil, err
	}

	cfg := def
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return cfg, opts, nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, opts, nil, err
	}

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mongo":
			cfg.MongoURI = mongoURI
		case "db":
			cfg.Database = database
		case "collection":
			cfg.Collection = collection
		case "plots":
			cfg.PlotDir = plotDir
		case "create-plots":
			cfg.CreatePlotDir = createPlots
		case "verbose":
			cfg.Verbose = verbose
		case "log-format":
			cfg.LogFormat = logFormat
		case "workers":
			cfg.Workers = workers
		case "on-error":
			p, err := config.ParseFailurePolicy(onError)
			if err != nil {
				flagErr = err
			}
			cfg.FailurePolicy = p
		case "metrics":
			cfg.MetricsAddr = metricsAddr
		}
	})
	if flagErr != nil {
		return cfg, opts, nil, flagErr
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return cfg, opts, nil, errors.New("no models given")
	}
	return cfg, opts, fs.Args(), nil
}

// confirmPlotDir asks whether a missing plot directory may be created.
func confirmPlotDir(log *logger.Logger, dir string, in io.Reader) bool {
	log.Prompt(fmt.Sprintf("The folder %s does not exist, if you want to continue, press Y, if not, press N...", dir))
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.TrimSpace(line) {
	case "Y", "Yes", "yes":
		return true
	}
	return false
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, opts, specs, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	log := logger.New(stderr, cfg.Verbose, cfg.LogFormat)
	logger.Log = log

	if opts.interactive && !cfg.CreatePlotDir {
		if _, err := os.Stat(cfg.PlotDir); os.IsNotExist(err) {
			if !confirmPlotDir(log, cfg.PlotDir, stdin) {
				return errors.New("plot directory creation declined")
			}
			cfg.CreatePlotDir = true
		}
	}

	var monitor *monitoring.HealthMonitor
	if cfg.MetricsAddr != "" {
		monitor = monitoring.NewHealthMonitor(log)
		go func() {
			if err := monitor.Start(cfg.MetricsAddr); err != nil {
				log.Error("health monitor stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = monitor.Stop(shutdownCtx)
		}()
	}

	srcs := &sources{flightAddr: opts.flightAddr, log: log}
	defer func() {
		_ = srcs.Close()
	}()
	models, err := loadModels(ctx, srcs, specs)
	if err != nil {
		return err
	}

	s, err := store.New(ctx, cfg, store.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			log.Warn("closing sink", "error", err)
		}
	}()

	batchErr := s.ProcessBatch(ctx, models)
	res := s.LastResult()
	if monitor != nil {
		monitor.RecordBatch(res, batchErr)
	}
	if opts.jsonOut && res != nil {
		if err := writeSummary(stdout, res, batchErr); err != nil {
			return err
		}
	}
	return batchErr
}

type skippedSummary struct {
	Model string `json:"model"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

type summary struct {
	RunID     string           `json:"run_id"`
	Started   time.Time        `json:"started"`
	Duration  string           `json:"duration"`
	Persisted []string         `json:"persisted"`
	Skipped   []skippedSummary `json:"skipped,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// writeSummary prints the batch outcome. Statistics are not included: they
// may hold NaN, which JSON cannot carry.
func writeSummary(w io.Writer, res *store.BatchResult, batchErr error) error {
	out := summary{
		RunID:     res.RunID,
		Started:   res.Started,
		Duration:  res.Duration.String(),
		Persisted: res.Persisted,
	}
	if out.Persisted == nil {
		out.Persisted = []string{}
	}
	for _, sk := range res.Skipped {
		out.Skipped = append(out.Skipped, skippedSummary{Model: sk.Model, Stage: sk.Stage, Error: sk.Err.Error()})
	}
	if batchErr != nil {
		out.Error = batchErr.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
