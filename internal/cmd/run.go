package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/X2k16/tracking-firmware/internal/apiclient"
	"github.com/X2k16/tracking-firmware/internal/config"
	"github.com/X2k16/tracking-firmware/internal/decoder"
	"github.com/X2k16/tracking-firmware/internal/delivery"
	"github.com/X2k16/tracking-firmware/internal/logging"
	natsclient "github.com/X2k16/tracking-firmware/internal/messaging/nats"
	"github.com/X2k16/tracking-firmware/internal/queue"
	"github.com/X2k16/tracking-firmware/internal/reader"
	"github.com/X2k16/tracking-firmware/internal/readerstats"
	"github.com/X2k16/tracking-firmware/internal/router"
	"github.com/X2k16/tracking-firmware/internal/serialport"
	"github.com/X2k16/tracking-firmware/internal/server"
	"github.com/X2k16/tracking-firmware/internal/sink"
)

// readerStopTimeout bounds how long shutdown waits for a blocked read to
// return after the stream is closed.
const readerStopTimeout = 2 * time.Second

var runPort string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bridge the card reader to the tracking API",
	Long: `Reads touches from the card reader and delivers them to the tracking API.

The port is taken from --port, then serial.port in the config, then the first
device named tty.usbserial* or ttyUSB*. Use --port - to read from stdin.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runPort, "port", "", "serial device path, or - for stdin")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runPort != "" {
		cfg.Serial.Port = runPort
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("touchbridge"))
	logging.SetDefault(logger)

	if cfg.UsesPlaceholderKey() {
		logger.Warn("api.key is the shipped placeholder; the tracking API will reject touches",
			slog.String("env", "TOUCH_API_KEY"))
	}

	portName, err := serialport.Resolve(cfg.Serial.Port)
	if err != nil {
		logger.Error("no card reader", logging.Error(err))
		return err
	}
	port, err := serialport.Open(portName, cfg.Serial.BaudRate)
	if err != nil {
		logger.Error("failed to open card reader", logging.Port(portName), logging.Error(err))
		return err
	}
	defer port.Close()

	logger.Info("starting touchbridge",
		logging.Port(portName),
		slog.Int("baud_rate", cfg.Serial.BaudRate),
		slog.String("api_url", cfg.API.URL),
		logging.ClientID(cfg.API.ClientID),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runPipeline(ctx, cfg, logger, portName, port)
}

// runPipeline runs the reader task and the delivery loop until ctx is done or
// the reader stream fails. On shutdown stream is closed to unblock the reader;
// the caller still owns its release on every other path.
func runPipeline(ctx context.Context, cfg *config.Config, logger *logging.Logger, portName string, stream io.ReadCloser) error {
	q := queue.New()

	var sinks sink.Fanout

	if cfg.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		client, err := natsclient.NewClient(natsCfg, logger.Logger)
		if err != nil {
			logger.Warn("NATS mirror disabled", logging.Error(err))
		} else {
			defer client.Close()
			sinks = append(sinks, sink.NewMirror(client, cfg.NATS.Subject, logger.Logger))
			logger.Info("mirroring touches to NATS", slog.String("subject", cfg.NATS.Subject))
		}
	}

	if cfg.Redis.Enabled {
		hostname, _ := os.Hostname()
		instanceID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

		statsClient, err := readerstats.NewClient(cfg.Redis.URL, instanceID)
		if err != nil {
			logger.Warn("reader stats disabled", logging.Error(err))
		} else {
			defer statsClient.Close()
			collector := readerstats.NewCollector(statsClient, cfg.Redis.FlushInterval, logger.Logger)
			defer collector.Stop()
			sinks = append(sinks, sink.NewStats(collector))
			logger.Info("reader stats enabled",
				slog.String("instance", instanceID),
				slog.Duration("flush_interval", cfg.Redis.FlushInterval),
			)
		}
	}

	// Queue last: once pushed, the event belongs to the delivery loop.
	sinks = append(sinks, sink.WithDedup(sink.NewQueue(q, logger.Logger), cfg.Dedup, logger.Logger))

	rt := router.New(sinks, router.WithLogger(logger.Logger))
	rd := reader.New(portName, stream, rt, logger, decoder.WithMaxLineBytes(cfg.Serial.MaxLineBytes))

	api := apiclient.New(cfg.API.URL, cfg.API.Key, cfg.API.Timeout)
	loop := delivery.New(q, api, delivery.ConfigFrom(cfg.API, cfg.Delivery), logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	if cfg.Server.Enabled {
		srv := server.New(cfg.Server, server.NewHandler(loop, cfg.Server.MaxQueueDepth), logger.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				logger.Error("status server failed", logging.Error(err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop.Run(ctx); err != nil {
			logger.Error("delivery loop failed", logging.Error(err))
		}
	}()

	readerDone := make(chan error, 1)
	go func() { readerDone <- rd.Run(ctx) }()

	var runErr error
	select {
	case runErr = <-readerDone:
	case <-ctx.Done():
		logger.Info("shutting down", slog.Int("pending", q.Len()))
		stream.Close()
		select {
		case <-readerDone:
		case <-time.After(readerStopTimeout):
			logger.Warn("reader did not stop after closing the stream", logging.Port(portName))
		}
	}

	cancel()
	wg.Wait()

	if runErr != nil {
		if pending := q.Len(); pending > 0 {
			logger.Error("exiting with undelivered touches", slog.Int("pending", pending))
		}
		if errors.Is(runErr, reader.ErrStreamClosed) {
			return fmt.Errorf("card reader disconnected: %w", runErr)
		}
		return runErr
	}
	return nil
}
