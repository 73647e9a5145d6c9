package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/airbag/internal/collector"
	"github.com/psantana5/airbag/pkg/models"
)

var (
	reportsSignal string
	reportsHost   string
	reportsSince  time.Duration
	reportsLimit  int
)

// reportsCmd groups the collector query commands
var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Query crash reports stored by the collector",
	Long:  `Commands for listing, showing and deleting crash reports held by the collector.`,
}

var reportsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List crash reports",
	RunE:  runReportsList,
}

var reportsShowCmd = &cobra.Command{
	Use:   "show <report-id>",
	Short: "Show one crash report with its goroutine dump",
	Args:  cobra.ExactArgs(1),
	RunE:  runReportsShow,
}

var reportsDeleteCmd = &cobra.Command{
	Use:   "delete <report-id>",
	Short: "Delete a crash report",
	Args:  cobra.ExactArgs(1),
	RunE:  runReportsDelete,
}

var reportsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count stored reports by signal",
	RunE:  runReportsStats,
}

func init() {
	rootCmd.AddCommand(reportsCmd)
	reportsCmd.AddCommand(reportsListCmd)
	reportsCmd.AddCommand(reportsShowCmd)
	reportsCmd.AddCommand(reportsDeleteCmd)
	reportsCmd.AddCommand(reportsStatsCmd)

	reportsListCmd.Flags().StringVar(&reportsSignal, "signal", "", "only reports for this signal")
	reportsListCmd.Flags().StringVar(&reportsHost, "host", "", "only reports from this host")
	reportsListCmd.Flags().DurationVar(&reportsSince, "since", 0, "only reports captured within this window, e.g. 24h")
	reportsListCmd.Flags().IntVar(&reportsLimit, "limit", 0, "maximum number of reports")
}

// callCollector performs an authenticated request and decodes a JSON body
// into out when out is not nil.
func callCollector(method, path string, out any) error {
	req, err := newAuthenticatedRequest(method, path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	client, err := httpClient()
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to collector: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("collector returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("collector returned %d", resp.StatusCode)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func runReportsList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if reportsSignal != "" {
		q.Set("signal", reportsSignal)
	}
	if reportsHost != "" {
		q.Set("host", reportsHost)
	}
	if reportsSince > 0 {
		q.Set("since", time.Now().Add(-reportsSince).UTC().Format(time.RFC3339))
	}
	if reportsLimit > 0 {
		q.Set("limit", strconv.Itoa(reportsLimit))
	}
	path := collector.ReportsPath
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp collector.ListResponse
	if err := callCollector(http.MethodGet, path, &resp); err != nil {
		return err
	}
	if isJSONOutput() || isYAMLOutput() {
		return encodeStructured(resp)
	}
	if resp.Count == 0 {
		fmt.Println("No reports found")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Signal", "Host", "Executable", "Captured", "Partial")
	for _, r := range resp.Reports {
		table.Append(r.ID, r.Signal, r.Host, r.Executable, r.CapturedAt.Local().Format(time.RFC3339), r.Partial)
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d reports\n", resp.Count)
	return nil
}

func runReportsShow(cmd *cobra.Command, args []string) error {
	var rep models.Report
	if err := callCollector(http.MethodGet, collector.ReportsPath+"/"+url.PathEscape(args[0]), &rep); err != nil {
		return err
	}
	if isJSONOutput() || isYAMLOutput() {
		return encodeStructured(rep)
	}

	fmt.Printf("Report:      %s\n", rep.ID)
	fmt.Printf("Signal:      %s\n", rep.Signal)
	fmt.Printf("Host:        %s\n", rep.Host)
	fmt.Printf("Executable:  %s\n", rep.Executable)
	fmt.Printf("Captured:    %s\n", rep.CapturedAt.Format(time.RFC3339Nano))
	fmt.Printf("Received:    %s\n", rep.ReceivedAt.Format(time.RFC3339Nano))
	fmt.Printf("Partial:     %v\n", rep.Partial)
	if rec := rep.Record; rec != nil {
		fmt.Printf("PID/TID:     %d/%d\n", rec.PID, rec.TID)
		fmt.Printf("Fault addr:  %#x\n", rec.FaultAddr)
		fmt.Printf("IP:          %#x\n", rec.IP)
		if len(rec.Flags) > 0 {
			fmt.Printf("Flags:       %v\n", rec.Flags)
		}
		if len(rec.Registers) > 0 {
			names := make([]string, 0, len(rec.Registers))
			for name := range rec.Registers {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Println("\nRegisters:")
			table := tablewriter.NewWriter(os.Stdout)
			table.Header("Register", "Value")
			for _, name := range names {
				table.Append(name, fmt.Sprintf("%#016x", rec.Registers[name]))
			}
			if err := table.Render(); err != nil {
				return err
			}
		}
		if rec.Dump != "" {
			fmt.Printf("\n%s", rec.Dump)
		}
	}
	return nil
}

func runReportsDelete(cmd *cobra.Command, args []string) error {
	if err := callCollector(http.MethodDelete, collector.ReportsPath+"/"+url.PathEscape(args[0]), nil); err != nil {
		return err
	}
	fmt.Printf("Deleted report %s\n", args[0])
	return nil
}

func runReportsStats(cmd *cobra.Command, args []string) error {
	var resp collector.StatsResponse
	if err := callCollector(http.MethodGet, collector.APIPrefix+"/stats", &resp); err != nil {
		return err
	}
	if isJSONOutput() || isYAMLOutput() {
		return encodeStructured(resp)
	}

	names := make([]string, 0, len(resp.BySignal))
	for name := range resp.BySignal {
		names = append(names, name)
	}
	sort.Strings(names)
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Signal", "Reports")
	for _, name := range names {
		table.Append(name, resp.BySignal[name])
	}
	table.Append("Total", resp.Total)
	return table.Render()
}
