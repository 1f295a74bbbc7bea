package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/changestream/pkg/changestream"
	"github.com/ajitpratap0/changestream/pkg/changestream/replay"
	"github.com/ajitpratap0/changestream/pkg/compression"
	"github.com/ajitpratap0/changestream/pkg/config"
	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
	"github.com/ajitpratap0/changestream/pkg/logger"
	"github.com/ajitpratap0/changestream/pkg/metrics/reporter"
	"github.com/ajitpratap0/changestream/pkg/observability"
	"github.com/ajitpratap0/changestream/pkg/sink/kafka"
	"github.com/ajitpratap0/changestream/pkg/store"
)

type replayOptions struct {
	configFile      string
	feedFile        string
	feedCompression string
	timeout         time.Duration
	logLevel        string
}

func newReplayCommand() *cobra.Command {
	opts := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run a pipeline over a recorded change stream",
		Long: `Run a pipeline over a JSON-lines feed of recorded partition streams.
Each line names a partition and carries one record.

Example:
  changestream replay --config changestream.yaml --feed orders.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.configFile, "config", "c", "", "Path to YAML configuration (defaults apply when omitted)")
	cmd.Flags().StringVarP(&opts.feedFile, "feed", "f", "", "Path to the JSON-lines feed (required)")
	cmd.Flags().StringVar(&opts.feedCompression, "feed-compression", "", "Feed codec (gzip, snappy, s2, lz4, zstd); guessed from the file extension when empty")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Stop the run after this long (0 disables)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	_ = cmd.MarkFlagRequired("feed")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.NewDefaultConfig()
		return cfg, cfg.Validate()
	}
	return config.LoadConfig(path)
}

func runReplay(ctx context.Context, opts *replayOptions, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	log := logger.Get().With(
		zap.String("component", "changestream-cli"),
		zap.String("pipeline", cfg.Pipeline.Name))

	shutdownTracing, err := observability.InitTracing(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to stop tracing", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	feed, err := openFeed(opts.feedFile, opts.feedCompression)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Store, log)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Type, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("failed to close store", zap.Error(err))
		}
	}()

	sink, closeSink, err := buildSink(cfg.Sink, stdout, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSink(); err != nil {
			log.Warn("failed to close sink", zap.Error(err))
		}
	}()

	var rep reporter.Reporter
	if cfg.Metrics.Enabled {
		fr := reporter.NewFileReporter(log)
		if err := fr.Open(cfg.Metrics.Reporter); err != nil {
			return err
		}
		rep = fr
		defer func() {
			if err := fr.Close(); err != nil {
				log.Warn("failed to close metrics reporter", zap.Error(err))
			}
		}()
	}

	pipeline, err := changestream.NewPipeline(cfg.Pipeline, changestream.PipelineOptions{
		Fetcher:  feed,
		Sink:     sink,
		Store:    st,
		Retry:    &cfg.Retry,
		Logger:   log,
		Tracer:   observability.Tracer(),
		Reporter: rep,
	})
	if err != nil {
		return err
	}

	if rep != nil && cfg.Metrics.Interval > 0 {
		reportCtx, cancelReports := context.WithCancel(ctx)
		defer cancelReports()
		go publishEvery(reportCtx, cfg.Metrics.Interval, rep, log)
	}

	log.Info("starting replay",
		zap.String("feed", opts.feedFile),
		zap.Strings("partitions", feed.Partitions()),
		zap.String("store", string(cfg.Store.Type)),
		zap.String("sink", string(cfg.Sink.Type)))
	start := time.Now()

	runErr := pipeline.Run(ctx)

	if rep != nil {
		if err := reporter.Publish(prometheus.DefaultGatherer, rep); err != nil {
			log.Warn("failed to publish metrics", zap.Error(err))
		}
	}
	if runErr != nil {
		return fmt.Errorf("pipeline execution failed: %w", runErr)
	}

	log.Info("replay completed",
		zap.Duration("duration", time.Since(start)),
		zap.Time("watermark", pipeline.Watermark()),
		zap.Int("unretired", pipeline.Registry().Len()))
	return nil
}

func openFeed(path, codec string) (*replay.Feed, error) {
	alg, err := compression.Parse(codec)
	if err != nil {
		return nil, err
	}
	if codec == "" {
		alg = compression.FromExtension(path)
	}

	f, err := os.Open(path) //nolint:gosec // G304: path comes from the command line
	if err != nil {
		return nil, cserrors.Wrap(err, cserrors.ErrorTypeFile, "failed to open feed")
	}
	defer f.Close()

	r, err := compression.NewReader(f, alg)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return replay.Decode(r)
}

// buildSink returns the configured sink and a function releasing it.
func buildSink(cfg config.SinkConfig, stdout io.Writer, log *zap.Logger) (changestream.Sink, func() error, error) {
	switch cfg.Type {
	case config.SinkFile:
		alg, err := compression.Parse(cfg.Compression)
		if err != nil {
			return nil, nil, err
		}
		f, err := os.Create(cfg.Path) //nolint:gosec // G304: path comes from configuration
		if err != nil {
			return nil, nil, cserrors.Wrap(err, cserrors.ErrorTypeFile, "failed to create sink file")
		}
		w, err := compression.NewWriter(f, alg, compression.Default)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		closeAll := func() error {
			werr := w.Close()
			if err := f.Close(); err != nil {
				return err
			}
			return werr
		}
		return changestream.NewWriterSink(w), closeAll, nil
	case config.SinkKafka:
		s, err := kafka.New(cfg.Kafka, log)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return changestream.NewWriterSink(stdout), func() error { return nil }, nil
	}
}

func publishEvery(ctx context.Context, interval time.Duration, rep reporter.Reporter, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reporter.Publish(prometheus.DefaultGatherer, rep); err != nil {
				log.Warn("failed to publish metrics", zap.Error(err))
			}
		}
	}
}
