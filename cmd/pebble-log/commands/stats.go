package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/pebble-protocol/pebble-go/pkg/log"
)

// Stats holds aggregate statistics about a capture file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	FramesByDirection map[log.Direction]int
	FramesByEndpoint  map[uint16]int
	Abandoned         int
	Connections       map[string]*ConnectionStats
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// ConnectionStats holds statistics for a single session.
type ConnectionStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Events    int
	Target    string
	BytesIn   int
	BytesOut  int
}

// Collect reads every remaining event from reader.
func Collect(reader *log.Reader) (*Stats, error) {
	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		FramesByDirection: make(map[log.Direction]int),
		FramesByEndpoint:  make(map[uint16]int),
		Connections:       make(map[string]*ConnectionStats),
	}

	err := each(reader, func(event log.Event) error {
		stats.add(event)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	conn, ok := s.Connections[event.ConnectionID]
	if !ok {
		conn = &ConnectionStats{
			FirstSeen: event.Timestamp,
			LastSeen:  event.Timestamp,
		}
		s.Connections[event.ConnectionID] = conn
	}
	conn.Events++
	if event.Timestamp.After(conn.LastSeen) {
		conn.LastSeen = event.Timestamp
	}
	if event.Target != "" && conn.Target == "" {
		conn.Target = event.Target
	}

	switch {
	case event.Frame != nil:
		s.FramesByDirection[event.Direction]++
		s.FramesByEndpoint[event.Frame.Endpoint]++
		if event.Direction == log.DirectionIn {
			conn.BytesIn += event.Frame.Size
		} else {
			conn.BytesOut += event.Frame.Size
		}
	case event.Request != nil:
		if event.Request.Phase == log.RequestAbandoned {
			s.Abandoned++
		}
	case event.Error != nil:
		s.Errors++
	}
}

// RunStats analyzes the capture file and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats, err := Collect(reader)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== Pebble Protocol Capture Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerProtocol} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryHeartbeat, log.CategoryState, log.CategoryRequest, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Frames by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.FramesByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	if len(stats.FramesByEndpoint) > 0 {
		endpoints := make([]uint16, 0, len(stats.FramesByEndpoint))
		for ep := range stats.FramesByEndpoint {
			endpoints = append(endpoints, ep)
		}
		sort.Slice(endpoints, func(i, j int) bool { return endpoints[i] < endpoints[j] })

		fmt.Fprintln(w, "Frames by Endpoint:")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-12d %d\n", ep, stats.FramesByEndpoint[ep])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Connections: %d\n", len(stats.Connections))
	if len(stats.Connections) > 0 {
		type connInfo struct {
			id    string
			stats *ConnectionStats
		}
		conns := make([]connInfo, 0, len(stats.Connections))
		for id, cs := range stats.Connections {
			conns = append(conns, connInfo{id, cs})
		}
		sort.Slice(conns, func(i, j int) bool {
			return conns[i].stats.FirstSeen.Before(conns[j].stats.FirstSeen)
		})

		fmt.Fprintln(w)
		for _, c := range conns {
			duration := c.stats.LastSeen.Sub(c.stats.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %d events, duration %s\n", shortenConnID(c.id), c.stats.Events, duration)
			if c.stats.Target != "" {
				fmt.Fprintf(w, "           Target: %s\n", c.stats.Target)
			}
			if c.stats.BytesIn > 0 || c.stats.BytesOut > 0 {
				fmt.Fprintf(w, "           Bytes: %d in, %d out\n", c.stats.BytesIn, c.stats.BytesOut)
			}
		}
	}

	if stats.Abandoned > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Abandoned Requests: %d\n", stats.Abandoned)
	}
	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
