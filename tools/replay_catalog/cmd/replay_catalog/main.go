package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	replaycatalog "swarmview/mirror/tools/replay_catalog"
)

func main() {
	root := flag.String("dir", ".", "directory containing recorded sessions")
	dbPath := flag.String("db", "", "catalogue database (defaults to <dir>/catalog.db)")
	since := flag.Duration("since", 0, "only list sessions started within this window")
	limit := flag.Int("limit", 0, "maximum sessions to list")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	path := *dbPath
	if path == "" {
		path = filepath.Join(*root, "catalog.db")
	}
	catalog, err := replaycatalog.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer catalog.Close()

	ctx := context.Background()
	if _, err := catalog.Sync(ctx, *root); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	filter := replaycatalog.Filter{Limit: *limit}
	if *since > 0 {
		filter.Since = time.Now().Add(-*since)
	}
	entries, err := catalog.List(ctx, filter)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := replaycatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		fmt.Printf("%s (%s)\n", entry.SessionID, entry.StartedAt.Format(time.RFC3339))
		fmt.Printf("  events: %d  frames: %d  agents: %d  size: %d bytes\n", entry.Events, entry.Frames, entry.Agents, entry.Bytes)
		if !entry.EndedAt.IsZero() {
			fmt.Printf("  duration: %s\n", entry.EndedAt.Sub(entry.StartedAt).Round(time.Second))
		}
		fmt.Printf("  dir: %s\n", entry.Dir)
	}
}
