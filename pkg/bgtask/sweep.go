package bgtask

import (
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/tracebus/tracebus/pkg/config"
)

// SweepTask force-ends spans whose stop event never arrived.
type SweepTask struct {
	m *BgTaskManager
}

func (m *BgTaskManager) addSweepTask() {
	m.bgTasks = append(m.bgTasks, &SweepTask{m: m})
}

func (t *SweepTask) Run() {
	swept := t.m.collector.SweepStale(config.MaxSpanAge)
	if swept > 0 {
		logrus.Warnf("tracebus swept %d stale spans", swept)
	}
}

func (t *SweepTask) Start() {
	c := cron.New()
	_, err := c.AddJob("@every 30s", t)
	if err != nil {
		logrus.Warn("tracebus couldn't add sweep task")
		return
	}
	c.Start()
}
