package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"flint/pkg/flint"
)

func newRunsCmd(g *globals) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List finished runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return errors.New("limit must be > 0")
			}
			client, _, err := g.openClient(cmd.Context(), g.verbosity, g.logJSON)
			if err != nil {
				return err
			}
			defer client.Close()

			runs, err := client.Runs(cmd.Context(), flint.RunsRequest{Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs found")
				return nil
			}
			for _, r := range runs {
				fmt.Fprintf(out, "run_id=%s created_at=%s outcome=%s reason=%s iterations=%d oracle_calls=%d archive_size=%d best=%s partial=%t dir=%s\n",
					r.RunID, r.CreatedAtUTC, r.Outcome, r.Reason, r.Iterations, r.OracleCalls, r.ArchiveSize, formatBest(r.BestAffinity), r.Partial, r.Dir)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "max runs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit runs as JSON")
	return cmd
}

func newTopCmd(g *globals) *cobra.Command {
	var (
		req     flint.TopRequest
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Show the best ranked structures of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := g.openClient(cmd.Context(), g.verbosity, g.logJSON)
			if err != nil {
				return err
			}
			defer client.Close()

			entries, err := client.Top(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "no ranked structures")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(out, "rank=%d id=%s delta_g=%s depth=%d iteration=%d mutations=%s\n",
					e.Rank, e.ID, formatAffinity(e.Scored, e.Affinity), e.Depth, e.Iteration, joinOrDash(e.Lineage))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&req.Latest, "latest", false, "use the newest run")
	cmd.Flags().IntVarP(&req.Limit, "limit", "l", 10, "max structures to show (0 for all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit entries as JSON")
	return cmd
}

func newSummaryCmd(g *globals) *cobra.Command {
	var (
		req     flint.SummaryRequest
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show the outcome of a run and the receptor it started from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := g.openClient(cmd.Context(), g.verbosity, g.logJSON)
			if err != nil {
				return err
			}
			defer client.Close()

			rep, err := client.Summary(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, rep)
			}
			fmt.Fprintf(out, "run_id=%s created_at=%s outcome=%s reason=%s iterations=%d oracle_calls=%d archive_size=%d seen=%d failures=%d partial=%t\n",
				rep.RunID, rep.CreatedAtUTC, rep.Outcome, rep.Reason, rep.Iterations, rep.OracleCalls, rep.ArchiveSize, rep.Seen, len(rep.Failures), rep.Partial)
			sig := rep.Signature.Summary
			fmt.Fprintf(out, "receptor=%s fingerprint=%s residues=%d atoms=%d chains=%s\n",
				rep.Receptor, shortFingerprint(rep.Signature.Fingerprint), sig.TotalResidues, sig.TotalAtoms, joinOrDash(sig.Chains))
			fmt.Fprintf(out, "original rank=%d delta_g=%s\n", rep.Original.Rank, formatAffinity(rep.Original.Scored, rep.Original.Affinity))
			if best, ok := rep.Best(); ok && best.ID != rep.Original.ID {
				fmt.Fprintf(out, "best id=%s delta_g=%.3f n_mutations=%d mutations=%s\n", best.ID, best.Affinity, best.NetMutations, joinOrDash(best.Mutations))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&req.Latest, "latest", false, "use the newest run")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the full summary as JSON")
	return cmd
}

func newLineageCmd(g *globals) *cobra.Command {
	var (
		req     flint.LineageRequest
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "lineage",
		Short: "Show how each structure of a run descends from the original receptor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := g.openClient(cmd.Context(), g.verbosity, g.logJSON)
			if err != nil {
				return err
			}
			defer client.Close()

			nodes, err := client.Lineage(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, nodes)
			}
			if len(nodes) == 0 {
				fmt.Fprintln(out, "no lineage records")
				return nil
			}
			for _, n := range nodes {
				parent := n.ParentFingerprint
				if parent == "" {
					parent = "-"
				}
				fmt.Fprintf(out, "id=%s depth=%d iteration=%d parent=%s step=%s lineage=%s evicted=%t\n",
					n.ID, n.Depth, n.Iteration, shortFingerprint(parent), joinOrDash(n.Step), joinOrDash(n.Lineage), n.Evicted)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&req.Latest, "latest", false, "use the newest run")
	cmd.Flags().StringVar(&req.ID, "id", "", "only this structure, by id or fingerprint")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit lineage as JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatBest(v *float64) string {
	if v == nil {
		return "NA"
	}
	return fmt.Sprintf("%.3f", *v)
}

func formatAffinity(scored bool, affinity float64) string {
	if !scored {
		return "NA"
	}
	return fmt.Sprintf("%.3f", affinity)
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
