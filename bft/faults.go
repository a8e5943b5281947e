package bft

import (
	"sync"
	"time"

	"github.com/canopy-network/hotshot/lib"
)

// DefaultMaxFaultReports bounds the in-memory fault history
const DefaultMaxFaultReports = 1000

// FaultReport is a single fault as observed by a node
type FaultReport struct {
	Time     time.Time      `json:"time"`
	View     uint64         `json:"view"`
	State    lib.RoundState `json:"state"`
	Handling string         `json:"handling"`
	Error    *lib.Error     `json:"error"`
}

// FaultReporter logs, counts and remembers every fault a node observes
type FaultReporter struct {
	mu      sync.RWMutex
	reports []FaultReport
	counts  map[lib.ErrorKind]uint64
	max     int
	metrics *lib.Metrics
	log     lib.LoggerI
}

// NewFaultReporter() creates a reporter keeping at most max reports
func NewFaultReporter(max int, metrics *lib.Metrics, log lib.LoggerI) *FaultReporter {
	if max <= 0 {
		max = DefaultMaxFaultReports
	}
	return &FaultReporter{counts: make(map[lib.ErrorKind]uint64), max: max, metrics: metrics, log: log}
}

// Report() records a fault and returns how the caller should handle it
func (f *FaultReporter) Report(view uint64, state lib.RoundState, err lib.ErrorI) lib.Handling {
	if err == nil {
		return lib.HandlingDrop
	}
	e := lib.ToError(err)
	handling := e.Kind().Handling()
	switch handling {
	case lib.HandlingAbort:
		f.log.Errorf("View %d (%s): %s", view, state, e.Error())
	case lib.HandlingRouteToSynchronizer, lib.HandlingRetry:
		f.log.Warnf("View %d (%s): %s", view, state, e.Error())
	default:
		f.log.Debugf("View %d (%s): dropped input: %s", view, state, e.Error())
	}
	f.metrics.IncFault(e.Kind())
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[e.Kind()]++
	f.reports = append(f.reports, FaultReport{Time: time.Now(), View: view, State: state, Handling: handling.String(), Error: e})
	if len(f.reports) > f.max {
		f.reports = f.reports[len(f.reports)-f.max:]
	}
	return handling
}

// Reports() returns a copy of the remembered reports, oldest first
func (f *FaultReporter) Reports() []FaultReport {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]FaultReport(nil), f.reports...)
}

// Count() returns how many faults of a kind were reported
func (f *FaultReporter) Count(kind lib.ErrorKind) uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.counts[kind]
}

// Counts() returns the number of faults reported per kind
func (f *FaultReporter) Counts() map[string]uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]uint64, len(f.counts))
	for k, v := range f.counts {
		out[k.String()] = v
	}
	return out
}

// SaveToFile() writes the remembered reports as json to the data directory
func (f *FaultReporter) SaveToFile(dataDirPath string) lib.ErrorI {
	return lib.SaveJSONToFile(f.Reports(), dataDirPath, lib.FaultReportPath)
}
