package bgtask

import (
	"github.com/tracebus/tracebus/pkg/collector"
	"github.com/tracebus/tracebus/pkg/consumer"
)

// BgTaskManager manages background periodical tasks.
// Includes:
// - Sweep stale in-flight spans
// - Log a consumer-state summary
type BgTaskManager struct {
	bgTasks   []BgTask
	collector *collector.Collector
	consumer  *consumer.Consumer
}

type BgTask interface {
	Start()
}

func NewBgTaskManager(col *collector.Collector, con *consumer.Consumer) *BgTaskManager {
	m := &BgTaskManager{
		bgTasks:   make([]BgTask, 0),
		collector: col,
		consumer:  con,
	}
	m.addSweepTask()
	m.addSummaryTask()
	return m
}

func (m *BgTaskManager) StartAll() {
	for _, task := range m.bgTasks {
		task.Start()
	}
}
