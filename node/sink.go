package node

import (
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"partikv/eventbus"
)

// 事件吸收端：计数指标 + 异步转发事件总线，尽力而为，绝不阻塞调用方

var metricsOnce sync.Once

func setupMetrics() {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	_, _ = metrics.NewGlobal(metrics.DefaultConfig("partikv"), inm)
}

type meteredSink struct {
	bus *eventbus.Bus
}

func newMeteredSink(bus *eventbus.Bus) *meteredSink {
	metricsOnce.Do(setupMetrics)
	return &meteredSink{bus: bus}
}

func (s *meteredSink) Notify(module, name string, payload interface{}) {
	metrics.IncrCounter([]string{module, name}, 1)
	go s.bus.Notify(module, name, payload)
}
