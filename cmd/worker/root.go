package main

import (
	"bytes"
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ericogr/amqp-engine/pkg/amqp"
	"github.com/ericogr/amqp-engine/pkg/engine"
)

var (
	configFlag    string
	urlFlag       string
	queueFlags    []string
	heartbeatFlag uint16
	prefetchFlag  uint16
	handlerFlag   string
	levelFlag     string
	idleFlag      time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume AMQP requests and publish chunked replies",
	Long: `worker connects to an AMQP 0-9-1 broker, declares the configured
exchanges and queues, and answers every delivery on the reply-to queue.
Replies larger than 32 KiB are split into several messages; every part
except the last carries the content type multipart/incomplete.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&configFlag, "config", "c", "", "YAML file with connection, exchanges and queues")
	f.StringVar(&urlFlag, "url", "", "AMQP URL, overrides the config file connection")
	f.StringSliceVarP(&queueFlags, "queue", "q", nil, "queue to consume (repeatable)")
	f.Uint16Var(&heartbeatFlag, "heartbeat", 0, "heartbeat interval in seconds proposed to the broker")
	f.Uint16Var(&prefetchFlag, "prefetch", 0, "basic.qos prefetch count, 0 leaves it unset")
	f.StringVar(&handlerFlag, "handler", "echo", "handler for every queue: echo, upper or discard")
	f.StringVar(&levelFlag, "log-level", "info", "zerolog level")
	f.DurationVar(&idleFlag, "idle", 10*time.Millisecond, "sleep between steps when there is nothing to read")
}

func handlerFor(name string) (engine.Handler, error) {
	switch name {
	case "echo":
		return func(payload []byte, reply engine.ReplyFunc) { reply(payload) }, nil
	case "upper":
		return func(payload []byte, reply engine.ReplyFunc) { reply(bytes.ToUpper(payload)) }, nil
	case "discard":
		return func(_ []byte, reply engine.ReplyFunc) { reply(nil) }, nil
	default:
		return nil, errors.Errorf("unknown handler %q", name)
	}
}

// loadConfig merges the config file and the command line. Flags win.
func loadConfig() (*engine.FileConfig, error) {
	fc := &engine.FileConfig{}
	if configFlag != "" {
		loaded, err := engine.LoadFile(configFlag)
		if err != nil {
			return nil, err
		}
		fc = loaded
	}
	if urlFlag != "" {
		cfg, err := engine.ParseURL(urlFlag)
		if err != nil {
			return nil, err
		}
		cfg.Heartbeat = fc.Connection.Heartbeat
		cfg.Prefetch = fc.Connection.Prefetch
		cfg.MaxBufferSize = fc.Connection.MaxBufferSize
		cfg.FrameMax = fc.Connection.FrameMax
		fc.Connection = cfg
	}
	if heartbeatFlag > 0 {
		fc.Connection.Heartbeat = heartbeatFlag
	}
	if prefetchFlag > 0 {
		fc.Connection.Prefetch = prefetchFlag
	}
	for _, name := range queueFlags {
		fc.Queues = append(fc.Queues, engine.QueueConfig{Name: name})
	}
	if len(fc.Queues) == 0 {
		return nil, errors.New("no queues configured, use --queue or a config file")
	}
	handler, err := handlerFor(handlerFlag)
	if err != nil {
		return nil, err
	}
	for i := range fc.Queues {
		fc.Queues[i].Handler = handler
	}
	return fc, nil
}

// releaseSignals restores the default signal behaviour once the first
// signal arrives. Step blocks while the broker is unreachable, so a second
// signal has to be able to end the process.
func releaseSignals(ctx context.Context, stop context.CancelFunc, log zerolog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		stop()
		log.Info().Msg("stopping after the current step, signal again to exit immediately")
	}()
	return done
}

func run(cmd *cobra.Command, args []string) error {
	level, err := zerolog.ParseLevel(levelFlag)
	if err != nil {
		return errors.Wrap(err, "log level")
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	amqp.SetLogger(logger.With().Str("component", "amqp").Logger())

	fc, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	releaseSignals(ctx, stop, logger)

	e := engine.New(fc.Connection, fc.Queues,
		engine.WithLogger(logger),
		engine.WithExchanges(fc.Exchanges...),
	)
	logger.Info().Str("host", fc.Connection.Host).Int("port", fc.Connection.Port).Int("queues", len(fc.Queues)).Msg("starting worker")

	e.Run(func() bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(idleFlag):
			return true
		}
	})

	logger.Info().Int("connects", e.Connects()).Msg("shutting down")
	if err := e.Close(); err != nil {
		logger.Warn().Err(err).Msg("close")
	}
	return nil
}
