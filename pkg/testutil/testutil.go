// Package testutil provides fixtures shared by changestream tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/changestream/pkg/changestream"
)

// Epoch is the base time of fixture timestamps.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// TestLogger creates a logger that writes to the test output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext returns a context that times out after timeout and is
// cancelled when the test ends.
func TestContext(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// At returns Epoch plus sec seconds.
func At(sec int) time.Time {
	return Epoch.Add(time.Duration(sec) * time.Second)
}

// Data returns an update to the orders table committed at At(sec).
func Data(token string, sec int) *changestream.DataChangeRecord {
	return &changestream.DataChangeRecord{
		CommitTimestamp:     At(sec),
		RecordSequence:      "1",
		PartitionToken:      token,
		ServerTransactionID: "tx",
		Table:               "orders",
		ModType:             changestream.ModTypeUpdate,
		Mods:                []changestream.Mod{{Keys: `{"id":1}`}},
	}
}

// End returns the end record of token at At(sec).
func End(token string, sec int, seq string) *changestream.PartitionEndRecord {
	return &changestream.PartitionEndRecord{EndTimestamp: At(sec), RecordSequence: seq, PartitionToken: token}
}

// Split returns a start record announcing left [a,m) and right [m,z) at At(sec).
func Split(sec int) *changestream.PartitionStartRecord {
	return &changestream.PartitionStartRecord{
		StartTimestamp:  At(sec),
		RecordSequence:  "1",
		PartitionTokens: []string{"left", "right"},
		ChildRanges: map[string]changestream.KeyRange{
			"left":  {Start: "a", End: "m"},
			"right": {Start: "m", End: "z"},
		},
	}
}

// State returns a persisted partition state positioned at At(sec).
func State(token string, status changestream.Status, sec int) changestream.PartitionState {
	return changestream.PartitionState{
		Partition: changestream.Partition{
			Token:          token,
			KeyRange:       changestream.KeyRange{Start: "a", End: "m"},
			RangeKnown:     true,
			ParentTokens:   []string{changestream.RootPartitionToken},
			Status:         status,
			StartTimestamp: At(sec),
			Position:       changestream.Position{Timestamp: At(sec), Sequence: "3"},
		},
	}
}

// Eventually fails the test unless condition holds within timeout.
func Eventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
