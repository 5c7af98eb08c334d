package writer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	appconfig "ingestflow/config"
	"ingestflow/logger"
	"ingestflow/models"
)

// Capture appends every raw venue event it sees as one JSON line. The output
// is a replayable golden pack. It implements processor.Tap.
type Capture struct {
	out     io.Writer
	closer  io.Closer
	session string

	mu      sync.Mutex
	written atomic.Uint64
	failed  atomic.Uint64
	log     *logger.Entry
}

// NewCapture opens a size and age rotated capture file.
func NewCapture(cfg appconfig.CaptureConfig) (*Capture, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("capture path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create capture directory: %w", err)
		}
	}
	lj := &lumberjack.Logger{
		Filename: cfg.Path,
		MaxSize:  cfg.MaxSizeMB,
		MaxAge:   cfg.MaxAgeDays,
	}
	c := NewCaptureWriter(lj)
	c.closer = lj
	c.log.WithFields(logger.Fields{
		"path":         cfg.Path,
		"max_size_mb":  cfg.MaxSizeMB,
		"max_age_days": cfg.MaxAgeDays,
	}).Info("raw event capture started")
	return c, nil
}

// NewCaptureWriter captures into w. Closing the capture does not close w.
func NewCaptureWriter(w io.Writer) *Capture {
	session := uuid.NewString()
	return &Capture{
		out:     w,
		session: session,
		log: logger.GetLogger().WithComponent("capture").WithFields(logger.Fields{
			"session": session,
		}),
	}
}

// Session identifies this capture run in logs.
func (c *Capture) Session() string { return c.session }

// Record writes raw as one line. Failures are counted and logged, never returned.
func (c *Capture) Record(raw models.RawVenueEvent) {
	line, err := json.Marshal(raw)
	if err != nil {
		c.fail(err)
		return
	}
	line = append(line, '\n')

	c.mu.Lock()
	_, err = c.out.Write(line)
	c.mu.Unlock()
	if err != nil {
		c.fail(err)
		return
	}
	c.written.Add(1)
}

func (c *Capture) fail(err error) {
	// first failure at warn, the rest at debug
	if c.failed.Add(1) == 1 {
		c.log.WithError(err).Warn("failed to capture raw event")
		return
	}
	c.log.WithError(err).Debug("failed to capture raw event")
}

// Written is the number of captured events.
func (c *Capture) Written() uint64 { return c.written.Load() }

// Failed is the number of events that could not be captured.
func (c *Capture) Failed() uint64 { return c.failed.Load() }

func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.WithFields(logger.Fields{
		"written": c.Written(),
		"failed":  c.Failed(),
	}).Info("raw event capture closed")
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
