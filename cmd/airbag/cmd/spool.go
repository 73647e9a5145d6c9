package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/airbag/pkg/spool"
)

var spoolShowDump bool

// spoolCmd groups the spool inspection commands
var spoolCmd = &cobra.Command{
	Use:   "spool",
	Short: "Inspect local spool files",
	Long:  `Commands for reading the spool files written by the file: output channel.`,
}

var spoolListCmd = &cobra.Command{
	Use:   "list [dir]",
	Short: "List unsent spool files",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSpoolList,
}

var spoolInspectCmd = &cobra.Command{
	Use:   "inspect <spool-file>",
	Short: "Decode the records in a spool file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpoolInspect,
}

func init() {
	rootCmd.AddCommand(spoolCmd)
	spoolCmd.AddCommand(spoolListCmd)
	spoolCmd.AddCommand(spoolInspectCmd)

	spoolInspectCmd.Flags().BoolVar(&spoolShowDump, "dump", false, "print each record's goroutine dump after the table")
}

type spoolEntry struct {
	Path     string    `json:"path" yaml:"path"`
	Size     int64     `json:"size" yaml:"size"`
	Modified time.Time `json:"modified" yaml:"modified"`
}

func runSpoolList(cmd *cobra.Command, args []string) error {
	dir := cfg.Upload.SpoolDir
	if len(args) == 1 {
		dir = args[0]
	}
	paths, err := spool.List(dir)
	if err != nil {
		return err
	}

	entries := make([]spoolEntry, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		entries = append(entries, spoolEntry{Path: p, Size: info.Size(), Modified: info.ModTime()})
	}

	if isJSONOutput() || isYAMLOutput() {
		return encodeStructured(entries)
	}
	if len(entries) == 0 {
		fmt.Printf("No unsent spools in %s\n", dir)
		return nil
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("File", "Size", "Modified")
	for _, e := range entries {
		table.Append(filepath.Base(e.Path), formatBytes(e.Size), e.Modified.Format(time.RFC3339))
	}
	return table.Render()
}

func runSpoolInspect(cmd *cobra.Command, args []string) error {
	f, err := spool.Read(args[0])
	if err != nil {
		return err
	}
	if isJSONOutput() || isYAMLOutput() {
		return encodeStructured(f)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Seq", "Signal", "PID", "TID", "Captured", "Fault Addr", "Frames", "Flags")
	for _, rec := range f.Records() {
		table.Append(
			rec.Seq,
			rec.Signal,
			rec.PID,
			rec.TID,
			rec.Timestamp.Format(time.RFC3339Nano),
			fmt.Sprintf("%#x", rec.FaultAddr),
			len(rec.Frames),
			strings.Join(rec.Flags, ","),
		)
	}
	if err := table.Render(); err != nil {
		return err
	}

	for i, seg := range f.Segments {
		if seg.Process == nil {
			continue
		}
		fmt.Printf("\nSegment %d: pid %d %s on %s (%s/%s), %d records\n",
			i+1, seg.Process.PID, seg.Process.Executable, seg.Process.Hostname,
			seg.Process.OS, seg.Process.Arch, len(seg.Records))
	}
	if f.Truncated {
		fmt.Println("\nThe last frame is truncated; the writer died mid-record.")
	}
	if f.Skipped > 0 {
		fmt.Printf("%d undecodable frames skipped\n", f.Skipped)
	}

	if spoolShowDump {
		for _, rec := range f.Records() {
			if rec.Dump == "" {
				continue
			}
			fmt.Printf("\n=== record %d (%s) ===\n%s", rec.Seq, rec.Signal, rec.Dump)
		}
	}
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
