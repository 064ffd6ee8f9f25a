package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/pebble-protocol/pebble-go/pkg/log"
)

// FilterOptions holds the raw flag values for the filter criteria.
type FilterOptions struct {
	ConnID    string
	TimeStart string
	TimeEnd   string
	Layer     string
	Direction string
	Category  string
	Endpoint  string
}

// Build converts the options into a log.Filter.
func (o FilterOptions) Build() (log.Filter, error) {
	filter := log.Filter{ConnectionID: o.ConnID}

	if o.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, o.TimeStart)
		if err != nil {
			return log.Filter{}, fmt.Errorf("invalid time-start format: %w", err)
		}
		filter.TimeStart = &t
	}
	if o.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, o.TimeEnd)
		if err != nil {
			return log.Filter{}, fmt.Errorf("invalid time-end format: %w", err)
		}
		filter.TimeEnd = &t
	}
	if o.Layer != "" {
		l, err := ParseLayer(o.Layer)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Layer = &l
	}
	if o.Direction != "" {
		d, err := ParseDirection(o.Direction)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Direction = &d
	}
	if o.Category != "" {
		c, err := ParseCategory(o.Category)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Category = &c
	}
	if o.Endpoint != "" {
		ep, err := ParseEndpoint(o.Endpoint)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Endpoint = &ep
	}
	return filter, nil
}

// RunFilter copies the events matching filter into a new capture file and
// reports the count on w.
func RunFilter(path, output string, filter log.Filter, w io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	logger, err := log.NewFileLogger(output)
	if err != nil {
		return fmt.Errorf("failed to create output logger: %w", err)
	}

	count := 0
	err = each(reader, func(event log.Event) error {
		logger.Log(event)
		count++
		return nil
	})
	if cerr := logger.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if st := logger.Stats(); st.Failed > 0 {
		return fmt.Errorf("failed to write %d events: %w", st.Failed, logger.Err())
	}

	fmt.Fprintf(w, "Filtered %d events to %s\n", count, output)
	return nil
}
