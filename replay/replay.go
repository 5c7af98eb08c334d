// Package replay feeds recorded raw venue events back through the pipeline.
//
// A pack is a JSONL file with one RawVenueEvent per line, as written by the
// capture tap. Replaying a pack through a fresh pipeline is deterministic:
// normalisation only depends on the recorded receive times.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"ingestflow/logger"
	"ingestflow/models"
	"ingestflow/processor"
	"ingestflow/reader"
)

const maxLine = 4 << 20

// Read decodes a pack and calls fn for every record in order. Blank lines are
// skipped. Records are passed on as captured, incomplete ones included.
// Decoding stops at the first line that is not JSON or the first error from fn.
func Read(r io.Reader, fn func(models.RawVenueEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var raw models.RawVenueEvent
		if err := json.Unmarshal(b, &raw); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(raw); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("line %d: %w", line+1, err)
	}
	return nil
}

// ReadAll decodes a whole pack into memory.
func ReadAll(r io.Reader) ([]models.RawVenueEvent, error) {
	var out []models.RawVenueEvent
	err := Read(r, func(raw models.RawVenueEvent) error {
		out = append(out, raw)
		return nil
	})
	return out, err
}

// Stats counts what one Run did with a pack.
type Stats struct {
	Read      int
	Submitted int
	Dropped   int
}

// Run submits every record of r to intake. Records the intake refuses because
// it is full or its shard is halted are counted as dropped; any other refusal
// ends the run.
func Run(ctx context.Context, r io.Reader, intake reader.Intake) (Stats, error) {
	var st Stats
	log := logger.GetLogger().WithComponent("replay")

	err := Read(r, func(raw models.RawVenueEvent) error {
		st.Read++
		err := intake.Submit(ctx, raw)
		switch {
		case err == nil:
			st.Submitted++
			return nil
		case errors.Is(err, processor.ErrIntakeFull), errors.Is(err, processor.ErrShardHalted):
			st.Dropped++
			log.WithError(err).WithFields(logger.Fields{
				"venue":  raw.Venue,
				"symbol": raw.Symbol,
			}).Debug("replayed event dropped")
			return nil
		default:
			return err
		}
	})

	logger.LogDataFlowEntry(log.WithFields(logger.Fields{
		"read":    st.Read,
		"dropped": st.Dropped,
	}), "pack", "pipeline", st.Submitted, "raw_events")
	return st, err
}
