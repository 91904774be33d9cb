package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bardlex/gomp-miner/internal/config"
	"github.com/bardlex/gomp-miner/internal/events"
	"github.com/bardlex/gomp-miner/internal/messaging"
	"github.com/bardlex/gomp-miner/internal/notify"
	"github.com/bardlex/gomp-miner/pkg/log"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read events published by a running miner",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print miner events as they are published",
	Long: `Follow the event stream of a running miner, either from its ZeroMQ
publisher (ZMQ_PUB_ADDR) or from Kafka (KAFKA_BROKERS).`,
	Args: cobra.NoArgs,
	RunE: runEventsTail,
}

func init() {
	eventsCmd.AddCommand(eventsTailCmd)
	rootCmd.AddCommand(eventsCmd)

	eventsTailCmd.Flags().String("source", "zmq", "event source (zmq, kafka)")
	eventsTailCmd.Flags().String("type", "", "only print events of this type (zmq only)")
	eventsTailCmd.Flags().String("group", "", "Kafka consumer group (default: a new group per run)")
}

func runEventsTail(cmd *cobra.Command, _ []string) error {
	source, _ := cmd.Flags().GetString("source")
	eventType, _ := cmd.Flags().GetString("type")
	group, _ := cmd.Flags().GetString("group")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	level := "warn"
	if verbose {
		level = cfg.LogLevel
	}
	logger := log.NewWithOutput(os.Stderr, cfg.ServiceName, cfg.Version, level, "text")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	printEvent := func(e *events.Event) {
		fmt.Fprintln(out, formatEvent(e))
	}

	switch source {
	case "zmq":
		if cfg.ZMQPubAddr == "" {
			return fmt.Errorf("ZMQ_PUB_ADDR is not set")
		}
		return tailZMQ(ctx, cfg.ZMQPubAddr, eventType, logger, printEvent)
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is not set")
		}
		if group == "" {
			group = cfg.ServiceName + "-tail-" + uuid.NewString()
		}
		client := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		defer client.Close()
		err := messaging.TailEvents(ctx, client, cfg.KafkaTopic, group, printEvent)
		if ctx.Err() != nil {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown event source %q", source)
	}
}

func tailZMQ(ctx context.Context, endpoint, eventType string, logger *log.Logger, fn func(*events.Event)) error {
	sub, err := notify.NewSubscriber(endpoint, logger)
	if err != nil {
		return err
	}
	defer sub.Close()

	if err := sub.Subscribe(eventType); err != nil {
		return err
	}
	if err := sub.Connect(); err != nil {
		return err
	}

	err = sub.Listen(ctx, func(e *events.Event) error {
		fn(e)
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// formatEvent renders an event as one line
func formatEvent(e *events.Event) string {
	line := e.Time.Format("15:04:05.000") + " " + string(e.Type)
	if e.MinerIndex >= 0 {
		line += " #" + strconv.Itoa(e.MinerIndex)
	}
	if e.Pool != "" {
		line += " " + e.Pool
	}

	switch e.Type {
	case events.TypeHashRateChanged, events.TypeAlternateHashRate:
		line += " " + humanize.SIWithDigits(e.Value, 2, "H/s")
	case events.TypeGoodShares, events.TypeGoodAlternateShares, events.TypeBadShares,
		events.TypeConnectionErrors, events.TypeDifficultyChanged, events.TypeCPUCoreCountChanged:
		line += " " + humanize.Comma(int64(e.Value))
	case events.TypeMinerMoved:
		line += " to #" + strconv.Itoa(int(e.Value))
	}
	if e.State != "" {
		line += " " + e.State
	}
	return line
}
