package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pebble-protocol/pebble-go/pkg/log"
)

// RunExport writes the capture file as jsonl or csv to output, or to
// stdout when output is empty.
func RunExport(path, format, output string) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	return Export(reader, format, w)
}

// Export writes every remaining event from reader in format.
func Export(reader *log.Reader, format string, w io.Writer) error {
	switch format {
	case "jsonl":
		return exportJSONL(reader, w)
	case "csv":
		return exportCSV(reader, w)
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
}

func exportJSONL(reader *log.Reader, w io.Writer) error {
	encoder := json.NewEncoder(w)
	return each(reader, func(event log.Event) error {
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		return nil
	})
}

func exportCSV(reader *log.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)

	header := []string{"timestamp", "connection_id", "direction", "layer", "category", "target", "type", "endpoint", "size"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	err := each(reader, func(event log.Event) error {
		endpoint, size := "", ""
		switch {
		case event.Frame != nil:
			endpoint = strconv.Itoa(int(event.Frame.Endpoint))
			size = strconv.Itoa(event.Frame.Size)
		case event.Request != nil:
			endpoint = strconv.Itoa(int(event.Request.Endpoint))
		}

		row := []string{
			event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"),
			event.ConnectionID,
			direction(event),
			event.Layer.String(),
			event.Category.String(),
			event.Target,
			eventType(event),
			endpoint,
			size,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}
