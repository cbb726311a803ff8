package config

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// for root
var (
	Debug = false
)

// for pkg collector
var (
	// in-flight spans kept per collector; the oldest is force-ended when full
	MaxActiveSpans = 1024

	// spans older than this are swept by the background task
	MaxSpanAge = 5 * time.Minute
)

// for pkg consumer
var (
	// fixed wait between failed connect attempts
	ReconnectBackoff = 3 * time.Second
)

// for pkg broker
var (
	BrokerDialTimeout = 5 * time.Second
)

// defaults for cmd
const (
	DefaultBrokerURL   = "tcp://127.0.0.1:1883"
	DefaultQueue       = "tracebus"
	DefaultSource      = "tracebus"
	DefaultMetricsAddr = ":9464"
)

// initializes logrus
func initLogrus(_ *viper.Viper) {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		TimestampFormat: time.DateTime,
	})
	if Debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func init() {
	initLogrus(nil)
}
