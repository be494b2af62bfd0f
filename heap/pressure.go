package heap

import (
	"time"

	"github.com/pingcap/log"
	"github.com/shirou/gopsutil/mem"
	"go.uber.org/zap"

	"github.com/pingcap-incubator/tinystm/util/worker"
)

// maintenanceHandler runs the engine's background chores: sampling host
// memory and republishing slow-moving gauges.
type maintenanceHandler struct {
	eng *Engine
}

func (m *maintenanceHandler) Handle(t worker.Task) {
	switch t.Tp {
	case worker.TaskTypePressureCheck:
		m.checkPressure()
	case worker.TaskTypeStatsFlush:
		m.flushStats()
	default:
		log.Error("unsupported maintenance task", zap.Int64("type", int64(t.Tp)))
	}
}

// checkPressure samples host memory; past the threshold every running
// transaction is asked to commit soon, so the nurseries drain before the
// host starts swapping.
func (m *maintenanceHandler) checkPressure() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Warn("memory sample failed", zap.Error(err))
		return
	}
	memoryUsedGauge.Set(vm.UsedPercent)
	if vm.UsedPercent < m.eng.opts.PressureThreshold {
		return
	}
	log.Warn("memory pressure, signalling commit-soon",
		zap.Float64("used-percent", vm.UsedPercent),
		zap.Float64("threshold", m.eng.opts.PressureThreshold))
	m.eng.CommitSoonAll()
	pressureSignalsCounter.Inc()
}

func (m *maintenanceHandler) flushStats() {
	m.eng.treeMu.RLock()
	n := m.eng.tree.Len()
	m.eng.treeMu.RUnlock()
	liveObjectsGauge.Set(float64(n))
}

func (e *Engine) runTicker() {
	defer e.tickerWG.Done()
	ticker := time.NewTicker(e.opts.PressureInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.maintWorker.Sender() <- worker.Task{Tp: worker.TaskTypePressureCheck}
			e.maintWorker.Sender() <- worker.Task{Tp: worker.TaskTypeStatsFlush}
		case <-e.tickerStop:
			return
		}
	}
}
