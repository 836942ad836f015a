package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"swarmview/mirror/internal/logging"
	"swarmview/mirror/internal/replay"
	replayplayer "swarmview/mirror/tools/replay_player"
)

func main() {
	path := flag.String("path", "", "Path to a recorded session directory")
	dump := flag.Bool("dump", false, "Print the decoded session instead of re-running it")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "path flag is required")
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if *dump {
		session, err := replay.Open(*path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(2)
		}
		if err := enc.Encode(session); err != nil {
			fmt.Fprintln(os.Stderr, "encode error:", err)
			os.Exit(3)
		}
		return
	}

	//1.- Re-run quietly; only the comparison result goes to stdout.
	result, err := replayplayer.Rerun(*path, logging.NewWriter(os.Stderr, logging.WarnLevel))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	if err := enc.Encode(result); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
	if !result.OK() {
		os.Exit(4)
	}
}
