package publish

import (
	"context"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tracebus/tracebus/pkg/broker/mqtt"
	pkgcollector "github.com/tracebus/tracebus/pkg/collector"
	"github.com/tracebus/tracebus/pkg/config"
	"github.com/tracebus/tracebus/pkg/metrics"
	pkgproducer "github.com/tracebus/tracebus/pkg/producer"
	"github.com/tracebus/tracebus/pkg/tracing"
)

var (
	publishOpts struct {
		count int
		body  string
	}

	publishFlags = pflag.NewFlagSet("publish", pflag.ContinueOnError)
)

func init() {
	publishFlags.IntVar(&publishOpts.count, "count", 1, "Number of messages to publish")
	publishFlags.StringVar(&publishOpts.body, "body", "hello", "Message body")
}

func New(vp *viper.Viper) *cobra.Command {
	publish := &cobra.Command{
		Use:   "publish",
		Short: "Publish traced messages to the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			// init main context
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
			defer cancel()

			// init collector + exporter
			col := pkgcollector.New(config.MaxActiveSpans)
			defer col.Dispose()

			exporter, shutdown, err := tracing.NewStdoutExporter()
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logrus.Error(err)
				}
			}()
			col.RegisterExporter(exporter)

			// init broker connection
			client := &mqtt.Client{}
			conn, err := client.Connect(ctx, vp.GetString("broker-url"))
			if err != nil {
				return err
			}
			defer func() {
				if err := conn.Close(); err != nil {
					logrus.Error(err)
				}
			}()

			queue := vp.GetString("queue")
			if err := conn.DeclareQueue(queue); err != nil {
				return err
			}

			producer := pkgproducer.New(
				conn,
				vp.GetString("broker-url"),
				queue,
				vp.GetString("source"),
				pkgproducer.WithCollector(col),
				pkgproducer.WithReporter(metrics.NewReporter()))

			for i := 0; i < publishOpts.count; i++ {
				if err := producer.Publish(ctx, []byte(publishOpts.body)); err != nil {
					return err
				}
			}
			logrus.Infof("tracebus published %d messages to %s", publishOpts.count, queue)
			return nil
		},
	}
	publish.Flags().AddFlagSet(publishFlags)
	return publish
}
