package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/quailyquaily/relaymirror/internal/state"
	"github.com/quailyquaily/relaymirror/internal/statepaths"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect persisted relay state",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print config, mappings and active requests as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showState(cmd.Context(), cmd.OutOrStdout(), statepaths.StateDir())
		},
	})
	return cmd
}

// showState reads without the state dir lock, so it must never rename or
// rewrite files a running relay owns.
func showState(ctx context.Context, w io.Writer, dir string) error {
	stores, err := state.Open(state.Options{Dir: dir, ReadOnly: true})
	if err != nil {
		return err
	}
	return writeStateYAML(ctx, w, stores)
}

type stateView struct {
	Config         state.RoutingConfig           `json:"config"`
	Mappings       []state.Mapping               `json:"mappings"`
	ActiveRequests map[int64]state.ActiveRequest `json:"active_requests"`
}

func writeStateYAML(ctx context.Context, w io.Writer, stores *state.Stores) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		view stateView
		err  error
	)
	if view.Config, err = stores.Config.Snapshot(ctx); err != nil {
		return err
	}
	if view.Mappings, err = stores.Mappings.All(ctx); err != nil {
		return err
	}
	if view.ActiveRequests, err = stores.Requests.All(ctx); err != nil {
		return err
	}

	// Round-trip through JSON so the YAML keys match the files on disk.
	raw, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return fmt.Errorf("write yaml: %w", err)
	}
	return enc.Close()
}
