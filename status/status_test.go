package status

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/viamrobotics/wifi-provisioner/utils"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []Update
	block   chan struct{}
}

func (r *recordingSink) Report(u Update) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordingSink) stages() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stage, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Stage)
	}
	return out
}

func TestDispatcherOrdering(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sink := &recordingSink{}
	d := NewDispatcher(logger, sink)

	expected := []Stage{
		StageServerStarted, StageAdvertisingStarted, StageCredentialsReceived,
		StageConnecting, StageConnected, StageServerStopped,
	}
	for _, s := range expected {
		d.Report(Update{Stage: s})
	}
	d.Close()

	test.That(t, sink.stages(), test.ShouldResemble, expected)

	last, ok := d.Last()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, last.Stage, test.ShouldEqual, StageServerStopped)
	test.That(t, last.Time.IsZero(), test.ShouldBeFalse)
}

func TestDispatcherReportNeverBlocks(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(logger, sink)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 1000 {
			d.Report(Update{Stage: StageConnecting})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Report blocked on a slow sink")
	}

	close(sink.block)
	d.Close()
	test.That(t, len(sink.stages()), test.ShouldEqual, 1000)
}

func TestDispatcherAfterClose(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sink := &recordingSink{}
	d := NewDispatcher(logger, sink)
	d.Close()
	d.Close()

	d.Report(Update{Stage: StageConnected})
	test.That(t, sink.stages(), test.ShouldBeEmpty)
	_, ok := d.Last()
	test.That(t, ok, test.ShouldBeFalse)
}

func TestDispatcherSurvivesPanickingSink(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sink := &recordingSink{}
	d := NewDispatcher(logger, Fanout{
		SinkFunc(func(u Update) {
			if u.Stage == StageConnecting {
				panic("bad sink")
			}
		}),
		sink,
	})
	d.Report(Update{Stage: StageConnecting})
	d.Report(Update{Stage: StageConnected})
	d.Close()

	// the panic interrupts the fanout for that update only
	test.That(t, sink.stages(), test.ShouldResemble, []Stage{StageConnected})
}

func TestFileSink(t *testing.T) {
	logger := logging.NewTestLogger(t)
	utils.MockBuildInfo(t, "1.2.3", "abc")
	path := filepath.Join(t.TempDir(), "state", "status.json")
	sink := NewFileSink(logger, path)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sink.Report(Update{Stage: StageConnecting, SSID: "HomeNet", Time: now})

	snap, err := ReadSnapshot(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, snap, test.ShouldResemble, Snapshot{
		Stage:   StageConnecting,
		SSID:    "HomeNet",
		Time:    now,
		Version: "1.2.3",
	})

	sink.Report(Update{Stage: StageConnectionTimeout, SSID: "HomeNet", Err: errors.New("timed out"), Time: now})
	snap, err = ReadSnapshot(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, snap.Stage, test.ShouldEqual, StageConnectionTimeout)
	test.That(t, snap.Error, test.ShouldEqual, "timed out")
}

func TestReadSnapshotMissing(t *testing.T) {
	_, err := ReadSnapshot(filepath.Join(t.TempDir(), "nope.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLogSink(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sink := NewLogSink(logger)
	// both branches must be safe with and without optional fields
	sink.Report(Update{Stage: StageServerStarted})
	sink.Report(Update{Stage: StageConnectionFailed, SSID: "HomeNet", Err: errors.New("bad password")})
}

func TestStageIsFailure(t *testing.T) {
	for stage, failure := range map[Stage]bool{
		StageServerStarted:       false,
		StageAdvertisingStarted:  false,
		StageAdvertisingFailed:   true,
		StageCredentialsReceived: false,
		StageConnecting:          false,
		StageConnected:           false,
		StageConnectionFailed:    true,
		StageConnectionTimeout:   true,
		StageConnectionAbandoned: true,
		StageServerStopped:       false,
	} {
		t.Run(string(stage), func(t *testing.T) {
			test.That(t, stage.IsFailure(), test.ShouldEqual, failure)
		})
	}
}
