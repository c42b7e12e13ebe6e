package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"conductor/internal/config"
)

// newStatusCmd renders a run's state by replaying its on-disk event
// journal; it works across processes because run state is event-sourced.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a run's node states from its event journal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			runsDir := filepath.Join(cfg.StateDir, "runs")

			if len(args) == 0 {
				entries, err := os.ReadDir(runsDir)
				if err != nil {
					if os.IsNotExist(err) {
						fmt.Println("no runs")
						return nil
					}
					return err
				}
				var ids []string
				for _, e := range entries {
					if e.IsDir() {
						ids = append(ids, e.Name())
					}
				}
				sort.Strings(ids)
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			}

			return printJournalStatus(filepath.Join(runsDir, args[0]))
		},
	}
}

type journalLine struct {
	Type     string `json:"type"`
	TaskID   string `json:"task_id,omitempty"`
	State    string `json:"state,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`
	ProofRef string `json:"proof_ref,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func printJournalStatus(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, "events.log"))
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	type nodeState struct {
		state    string
		attempts int
		proof    string
		detail   string
	}
	nodes := make(map[string]*nodeState)
	var order []string
	summary := ""

	start := 0
	for i := 0; i <= len(data); i++ {
		if i != len(data) && data[i] != '\n' {
			continue
		}
		line := data[start:i]
		start = i + 1
		if len(line) == 0 {
			continue
		}
		var ev journalLine
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "node_state":
			ns, ok := nodes[ev.TaskID]
			if !ok {
				ns = &nodeState{}
				nodes[ev.TaskID] = ns
				order = append(order, ev.TaskID)
			}
			ns.state = ev.State
			ns.attempts = ev.Attempt
			if ev.ProofRef != "" {
				ns.proof = ev.ProofRef
			}
			ns.detail = ev.Detail
		case "run_completed", "run_halted":
			summary = ev.Type + ": " + ev.Detail
		}
	}

	for _, id := range order {
		ns := nodes[id]
		line := fmt.Sprintf("  %-24s %-10s attempts=%d", id, ns.state, ns.attempts)
		if ns.proof != "" && len(ns.proof) >= 12 {
			line += " proof=" + ns.proof[:12]
		}
		fmt.Println(line)
	}
	if summary != "" {
		fmt.Println(summary)
	}
	return nil
}
