package status

import (
	"encoding/json"
	"os"
	"time"

	errw "github.com/pkg/errors"
	"github.com/viamrobotics/wifi-provisioner/utils"
	"go.uber.org/zap"
	"go.viam.com/rdk/logging"
)

// LogSink writes every update to the log; failures are logged as warnings.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger logging.Logger) *LogSink {
	return &LogSink{logger: logger.AsZap().Desugar()}
}

func (s *LogSink) Report(u Update) {
	fields := []zap.Field{zap.String("stage", string(u.Stage))}
	if u.SSID != "" {
		fields = append(fields, zap.String("ssid", u.SSID))
	}
	if u.Err != nil {
		fields = append(fields, zap.Error(u.Err))
	}
	if u.Stage.IsFailure() {
		s.logger.Warn("provisioning status", fields...)
		return
	}
	s.logger.Info("provisioning status", fields...)
}

// Snapshot is the on-disk form of the latest update.
type Snapshot struct {
	Stage   Stage     `json:"stage"`
	SSID    string    `json:"ssid,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
	Version string    `json:"version"`
}

// FileSink keeps a JSON snapshot of the latest update at a fixed path.
type FileSink struct {
	path   string
	logger logging.Logger
}

func NewFileSink(logger logging.Logger, path string) *FileSink {
	return &FileSink{path: path, logger: logger}
}

func (s *FileSink) Report(u Update) {
	if err := s.write(u); err != nil {
		s.logger.Warn(err)
	}
}

func (s *FileSink) write(u Update) error {
	snap := Snapshot{
		Stage:   u.Stage,
		SSID:    u.SSID,
		Time:    u.Time.UTC(),
		Version: utils.GetVersion(),
	}
	if u.Err != nil {
		snap.Error = u.Err.Error()
	}
	jsonBytes, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errw.Wrap(err, "marshaling status snapshot")
	}
	_, err = utils.WriteFileIfNew(s.path, jsonBytes)
	return errw.Wrapf(err, "writing status snapshot to %s", s.path)
}

// ReadSnapshot loads the snapshot written by a FileSink.
func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	//nolint:gosec
	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		return snap, errw.Wrapf(err, "reading status snapshot %s", path)
	}
	if err := json.Unmarshal(jsonBytes, &snap); err != nil {
		return snap, errw.Wrapf(err, "parsing status snapshot %s", path)
	}
	return snap, nil
}
