package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/medrelay/agent/internal/profile"
	"github.com/medrelay/agent/internal/sidecar"
)

// QueueDepth is one durable queue's on-disk state.
type QueueDepth struct {
	Connection string `json:"connection"`
	Queue      string `json:"queue"`
	Depth      int    `json:"depth"`
}

// QueueReport is the queues command's output payload.
type QueueReport struct {
	TempRoot string       `json:"temp_root"`
	Queues   []QueueDepth `json:"queues"`
	Total    int          `json:"total"`
}

func (r QueueReport) String() string {
	if len(r.Queues) == 0 {
		return fmt.Sprintf("%s: no durable queues", r.TempRoot)
	}
	var b strings.Builder
	for _, q := range r.Queues {
		fmt.Fprintf(&b, "%-24s %-12s %d\n", q.Connection, q.Queue, q.Depth)
	}
	fmt.Fprintf(&b, "total: %d item(s)", r.Total)
	return b.String()
}

// NewQueuesCommand creates the queues command.
func NewQueuesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queues <profile>",
		Short: "Report durable queue depths from sidecar records",
		Long: `Scan a profile's durable-queue directories and report per-queue
depth from the sidecar records on disk. Works against a stopped agent,
so operators can see what a restart would recover.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueues(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runQueues(opts *RootOptions, profilePath string, cmd *cobra.Command) error {
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

	report, err := scanQueues(prof.TempRoot)
	if err != nil {
		if outErr := formatter.Error(ErrCodeScan, err.Error(), nil); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitCommandError, "failed to scan queues", err)
	}

	return formatter.Success(report)
}

// scanQueues walks {tempRoot}/{connection}/{queue}/meta and counts
// sidecar records. A missing temp root is an empty report, not an error:
// the agent may simply never have run.
func scanQueues(tempRoot string) (QueueReport, error) {
	report := QueueReport{TempRoot: tempRoot, Queues: []QueueDepth{}}

	connections, err := os.ReadDir(tempRoot)
	if os.IsNotExist(err) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("read %s: %w", tempRoot, err)
	}

	for _, connEntry := range connections {
		if !connEntry.IsDir() {
			continue
		}
		connDir := connEntry.Name()
		queues, err := os.ReadDir(tempRoot + "/" + connDir)
		if err != nil {
			return report, fmt.Errorf("read %s/%s: %w", tempRoot, connDir, err)
		}
		for _, queueEntry := range queues {
			if !queueEntry.IsDir() {
				continue
			}
			queueName := queueEntry.Name()
			paths, err := sidecar.Scan(sidecar.MetaDir(tempRoot, connDir, queueName))
			if err != nil {
				return report, fmt.Errorf("scan %s/%s: %w", connDir, queueName, err)
			}
			report.Queues = append(report.Queues, QueueDepth{
				Connection: connDir,
				Queue:      queueName,
				Depth:      len(paths),
			})
			report.Total += len(paths)
		}
	}

	sort.Slice(report.Queues, func(i, j int) bool {
		if report.Queues[i].Connection != report.Queues[j].Connection {
			return report.Queues[i].Connection < report.Queues[j].Connection
		}
		return report.Queues[i].Queue < report.Queues[j].Queue
	})
	return report, nil
}
