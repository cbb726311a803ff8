package bgtask

import (
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// SummaryTask logs the consumer connection state periodically.
type SummaryTask struct {
	m *BgTaskManager
}

func (m *BgTaskManager) addSummaryTask() {
	m.bgTasks = append(m.bgTasks, &SummaryTask{m: m})
}

func (t *SummaryTask) Run() {
	logrus.WithField("state", t.m.consumer.State().String()).Info("tracebus consumer summary")
}

func (t *SummaryTask) Start() {
	c := cron.New()
	_, err := c.AddJob("@every 1m", t)
	if err != nil {
		logrus.Warn("tracebus couldn't add summary task")
		return
	}
	c.Start()
}
