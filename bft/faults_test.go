package bft

import (
	"errors"
	"testing"

	"github.com/canopy-network/hotshot/lib"
	"github.com/stretchr/testify/require"
)

func TestFaultReporter(t *testing.T) {
	tests := []struct {
		name     string
		err      lib.ErrorI
		handling lib.Handling
	}{
		{name: "view timeout", err: lib.ErrViewTimeout(4, lib.ReplicaWaitingForPrepare), handling: lib.HandlingRouteToSynchronizer},
		{name: "broadcast", err: lib.ErrFailedToBroadcast(errors.New("down")), handling: lib.HandlingRetry},
		{name: "invalid state", err: ErrEquivocatingProposal(4), handling: lib.HandlingDrop},
		{name: "signing key", err: ErrSigningKey(errors.New("bad key")), handling: lib.HandlingAbort},
		{name: "nil", err: nil, handling: lib.HandlingDrop},
	}
	f := NewFaultReporter(0, nil, lib.NewNullLogger())
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.handling, f.Report(4, lib.ReplicaWaitingForPrepare, test.err))
		})
	}
	reports := f.Reports()
	require.Len(t, reports, 4, "nil faults aren't recorded")
	require.Equal(t, lib.KindViewTimeoutError, reports[0].Error.Kind())
	require.EqualValues(t, 4, reports[0].Error.View)
	require.Equal(t, "route_to_synchronizer", reports[0].Handling)
	require.EqualValues(t, 1, f.Count(lib.KindInvalidState))
	require.Equal(t, map[string]uint64{
		"ViewTimeoutError":   1,
		"FailedToBroadcast":  1,
		"InvalidState":       1,
		"InvariantViolation": 1,
	}, f.Counts())
	// reports survive a json round trip with their taxonomy intact
	bz, err := lib.MarshalJSON(reports)
	require.NoError(t, err)
	var decoded []FaultReport
	require.NoError(t, lib.UnmarshalJSON(bz, &decoded))
	require.Equal(t, lib.KindInvariantViolation, decoded[3].Error.Kind())
	require.Equal(t, lib.ReplicaWaitingForPrepare, decoded[0].State)
}

func TestFaultReporterBounded(t *testing.T) {
	f := NewFaultReporter(3, nil, lib.NewNullLogger())
	for view := uint64(1); view <= 5; view++ {
		f.Report(view, lib.ReplicaWaitingForPrepare, lib.ErrViewTimeout(view, lib.ReplicaWaitingForPrepare))
	}
	reports := f.Reports()
	require.Len(t, reports, 3)
	require.EqualValues(t, 3, reports[0].View)
	require.EqualValues(t, 5, reports[2].View)
	require.EqualValues(t, 5, f.Count(lib.KindViewTimeoutError))
}

func TestFaultReporterSaveToFile(t *testing.T) {
	f := NewFaultReporter(0, nil, lib.NewNullLogger())
	f.Report(1, lib.LeaderWaitingForHighQC, lib.ErrLeafNotFound([]byte("x")))
	dir := t.TempDir()
	require.NoError(t, f.SaveToFile(dir))
	var loaded []FaultReport
	require.NoError(t, lib.NewJSONFromFile(&loaded, dir, lib.FaultReportPath))
	require.Len(t, loaded, 1)
	require.Equal(t, lib.KindLeafNotFound, loaded[0].Error.Kind())
}
