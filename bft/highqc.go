package bft

import (
	"github.com/canopy-network/hotshot/lib"
	"go.uber.org/atomic"
)

// HighQC is the highest certified QC a node has seen; the only state shared across views
// Update is a compare-and-replace that only accepts strictly higher views
type HighQC struct {
	qc *atomic.Pointer[lib.QuorumCertificate]
}

// NewHighQC() creates the cell holding an initial certificate
func NewHighQC(initial *lib.QuorumCertificate) *HighQC {
	return &HighQC{qc: atomic.NewPointer(initial)}
}

// Load() returns the current highest certificate
func (h *HighQC) Load() *lib.QuorumCertificate { return h.qc.Load() }

// View() returns the view of the current highest certificate
func (h *HighQC) View() uint64 {
	if qc := h.qc.Load(); qc != nil {
		return qc.View
	}
	return 0
}

// Update() replaces the certificate if qc has a strictly higher view and reports if it did
func (h *HighQC) Update(qc *lib.QuorumCertificate) bool {
	if qc == nil {
		return false
	}
	for {
		current := h.qc.Load()
		if current != nil && qc.View <= current.View {
			return false
		}
		if h.qc.CompareAndSwap(current, qc) {
			return true
		}
	}
}
