package telemetry

import (
	"sync"

	"github.com/rjboer/tddstream/internal/logging"
	"github.com/rjboer/tddstream/internal/tdd"
)

// StdoutReporter logs a summary line every Every results and each fault
// as it happens. It keeps long quiet runs readable when per-window logging
// is off.
type StdoutReporter struct {
	logger logging.Logger
	every  uint64

	mu     sync.Mutex
	seen   uint64
	faults map[tdd.ErrorKind]uint64
}

// NewStdoutReporter builds a reporter with the provided logger. every == 0
// disables the periodic summary.
func NewStdoutReporter(logger logging.Logger, every uint64) *StdoutReporter {
	return &StdoutReporter{
		logger: logging.OrDefault(logger).With(logging.Subsystem("telemetry")),
		every:  every,
		faults: make(map[tdd.ErrorKind]uint64),
	}
}

func (r *StdoutReporter) ReportCycle(res tdd.CycleResult) {
	r.mu.Lock()
	r.seen++
	if !res.OK() {
		r.faults[res.Err]++
	}
	summary := r.every > 0 && r.seen%r.every == 0
	var fields []logging.Field
	if summary {
		fields = append(fields, logging.F("windows", r.seen))
		for kind, n := range r.faults {
			fields = append(fields, logging.F(kind.String(), n))
		}
	}
	r.mu.Unlock()

	if !res.OK() && res.Err != tdd.TransferError {
		// Transfer errors end the session and are logged by the scheduler.
		r.logger.Debug("window fault",
			logging.F("direction", res.Direction),
			logging.F("window", res.Index),
			logging.F("kind", res.Err),
			logging.F("detail", res.Detail))
	}
	if summary {
		r.logger.Info("telemetry summary", fields...)
	}
}
