package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/timeshift92/emperium-sub001/internal/config"
	"github.com/timeshift92/emperium-sub001/internal/logging"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent world events",
		Long: `Show recent events from the world store, oldest first. With --archive
the events are read from a compressed archive file instead.`,
		Example: `  worldsim events --type npc_reply --limit 20
  worldsim events --archive data/archive/events-2026-10-17-09.jsonl.zst`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			typ, _ := cmd.Flags().GetString("type")
			limit, _ := cmd.Flags().GetInt("limit")
			archive, _ := cmd.Flags().GetString("archive")
			jsonOut, _ := cmd.Flags().GetBool("json")

			var evs []world.Event
			if archive != "" {
				all, err := logging.ReadArchive(archive)
				if err != nil {
					return fmt.Errorf("read archive: %w", err)
				}
				evs = filterTail(all, typ, limit)
			} else {
				cfg, err := config.Load(path)
				if err != nil {
					return err
				}
				store, err := openStore(cfg.Store)
				if err != nil {
					return fmt.Errorf("open store: %w", err)
				}
				defer store.Close()
				if evs, err = store.RecentEvents(cmd.Context(), typ, limit); err != nil {
					return fmt.Errorf("recent events: %w", err)
				}
				slices.Reverse(evs)
			}
			return printEvents(cmd.OutOrStdout(), evs, jsonOut)
		},
	}
	cmd.Flags().String("type", "", "Only events of this type")
	cmd.Flags().Int("limit", 20, "Maximum number of events")
	cmd.Flags().String("archive", "", "Read a .jsonl.zst archive file instead of the store")
	return cmd
}

// filterTail keeps the last limit events of typ, preserving order.
func filterTail(evs []world.Event, typ string, limit int) []world.Event {
	if typ != "" {
		evs = slices.DeleteFunc(evs, func(e world.Event) bool { return e.Type != typ })
	}
	if limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	return evs
}

func printEvents(w io.Writer, evs []world.Event, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(evs)
	}
	if len(evs) == 0 {
		fmt.Fprintln(w, "no events")
		return nil
	}
	for _, e := range evs {
		payload, _ := json.Marshal(e.Payload)
		loc := e.Location
		if loc == "" {
			loc = "-"
		}
		fmt.Fprintf(w, "%-8d %-22s %-16s %-10s %s\n", e.Tick, world.SimTime(e.Tick), e.Type, loc, payload)
	}
	return nil
}

