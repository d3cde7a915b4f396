package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/medrelay/agent/internal/history"
	"github.com/medrelay/agent/internal/profile"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Limit  int
	ItemID string
}

// HistoryReport is the history command's output payload.
type HistoryReport struct {
	Database string           `json:"database"`
	Records  []history.Record `json:"records"`
}

func (r HistoryReport) String() string {
	if len(r.Records) == 0 {
		return "no delivery records"
	}
	var b strings.Builder
	for _, rec := range r.Records {
		fmt.Fprintf(&b, "%s  %-9s %-24s %-10s attempts=%d %s\n",
			rec.RecordedAt.Local().Format(time.RFC3339),
			rec.Status, rec.Connection, rec.Kind, rec.Attempts, rec.ItemID)
		if rec.Detail != "" {
			fmt.Fprintf(&b, "    %s\n", rec.Detail)
		}
	}
	fmt.Fprintf(&b, "%d record(s)", len(r.Records))
	return b.String()
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <profile>",
		Short: "Show recorded delivery outcomes",
		Long: `Read the profile's delivery-history database and print terminal
delivery transitions, newest first. With --item, trace one item's path
through the connections in the order it was recorded.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum records to show")
	cmd.Flags().StringVar(&opts.ItemID, "item", "", "trace a single item ID")

	return cmd
}

func runHistory(opts *HistoryOptions, profilePath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	prof, err := profile.Load(profilePath)
	if err != nil {
		if outErr := formatter.Error(ErrCodeProfile, err.Error(), nil); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitCommandError, "failed to load profile", err)
	}
	if prof.HistoryDB == "" {
		if outErr := formatter.Error(ErrCodeHistory, "profile has no historyDB configured", nil); outErr != nil {
			return outErr
		}
		return NewExitError(ExitCommandError, "no history database")
	}

	store, err := history.Open(prof.HistoryDB)
	if err != nil {
		if outErr := formatter.Error(ErrCodeHistory, err.Error(), nil); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitCommandError, "failed to open history database", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	var records []history.Record
	if opts.ItemID != "" {
		records, err = store.ByItem(ctx, opts.ItemID)
	} else {
		records, err = store.Recent(ctx, opts.Limit)
	}
	if err != nil {
		if outErr := formatter.Error(ErrCodeHistory, err.Error(), nil); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "history query failed", err)
	}

	return formatter.Success(HistoryReport{Database: prof.HistoryDB, Records: records})
}
