package serve

import (
	"context"
	"net/http"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	pkgbgtask "github.com/tracebus/tracebus/pkg/bgtask"
	"github.com/tracebus/tracebus/pkg/broker"
	"github.com/tracebus/tracebus/pkg/broker/mqtt"
	pkgcollector "github.com/tracebus/tracebus/pkg/collector"
	"github.com/tracebus/tracebus/pkg/config"
	pkgconsumer "github.com/tracebus/tracebus/pkg/consumer"
	"github.com/tracebus/tracebus/pkg/metrics"
	"github.com/tracebus/tracebus/pkg/tracing"
)

func newExporter(ctx context.Context, vp *viper.Viper) (tracing.Exporter, func(context.Context) error, error) {
	switch vp.GetString("exporter") {
	case "otlp":
		return tracing.NewGRPCExporter(ctx, vp.GetString("otlp-target"))
	case "stdout":
		return tracing.NewStdoutExporter()
	default:
		return tracing.NewDummyExporter()
	}
}

func newProcessor(vp *viper.Viper) pkgconsumer.Processor {
	if target := vp.GetString("forward-url"); target != "" {
		return pkgconsumer.NewHTTPProcessor(target)
	}
	return pkgconsumer.ProcessorFunc(func(ctx context.Context, msg *broker.Message) error {
		logrus.WithField("bytes", len(msg.Body)).Info("tracebus received message")
		return nil
	})
}

func New(vp *viper.Viper) *cobra.Command {
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Consume messages and continue their traces",
		RunE: func(cmd *cobra.Command, args []string) error {
			// init main context of `serve`
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
			defer cancel()

			// init collector
			col := pkgcollector.New(config.MaxActiveSpans)
			defer col.Dispose()

			// init exporters
			exporter, shutdown, err := newExporter(ctx, vp)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logrus.Error(err)
				}
			}()
			col.RegisterExporter(exporter)
			col.RegisterExporter(tracing.NewLogExporter(config.NewSpanLogger(vp.GetString("span-log"))))

			// init metrics endpoint
			reporter := metrics.NewReporter()
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", reporter.Handler())
				addr := vp.GetString("metrics-addr")
				logrus.Infof("tracebus serving metrics on %s", addr)
				if err := http.ListenAndServe(addr, mux); err != nil {
					logrus.WithError(err).Error("tracebus metrics endpoint failed")
				}
			}()

			// init consumer
			consumer := pkgconsumer.New(
				&mqtt.Client{},
				vp.GetString("broker-url"),
				vp.GetString("queue"),
				newProcessor(vp),
				pkgconsumer.WithCollector(col),
				pkgconsumer.WithReporter(reporter))
			if err := consumer.Start(ctx); err != nil {
				return err
			}
			defer func() {
				if err := consumer.Stop(context.Background()); err != nil {
					logrus.Error(err)
				}
			}()

			// init bgTaskManager
			bgTaskManager := pkgbgtask.NewBgTaskManager(col, consumer)
			bgTaskManager.StartAll()

			<-ctx.Done()
			return nil
		},
	}
	return serve
}
