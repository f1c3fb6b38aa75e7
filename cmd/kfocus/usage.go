package main

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kfocus/internal/api"
	"github.com/goodtune/kfocus/internal/policy"
	"github.com/goodtune/kfocus/internal/usage"
	"github.com/spf13/cobra"
)

var (
	usagePeriod   string
	windowMinutes int
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show visible time for today and a trailing period",
	Example: `  kfocus usage
  kfocus usage --period week`,
	Args: cobra.NoArgs,
	RunE: runUsage,
}

var windowCmd = &cobra.Command{
	Use:   "window",
	Short: "Start, clear, or show restriction windows",
}

var windowStartCmd = &cobra.Command{
	Use:     "start focus|class",
	Short:   "Start a restriction window",
	Example: `  kfocus window start focus --minutes 25`,
	Args:    cobra.ExactArgs(1),
	RunE:    runWindowStart,
}

var windowClearCmd = &cobra.Command{
	Use:   "clear focus|class",
	Short: "Clear a restriction window",
	Args:  cobra.ExactArgs(1),
	RunE:  runWindowClear,
}

var windowStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the restriction windows",
	Args:  cobra.NoArgs,
	RunE:  runWindowStatus,
}

func init() {
	usageCmd.Flags().StringVar(&usagePeriod, "period", string(usage.PeriodDay), "Trailing period: day, week, month, or year")
	addAPIFlag(usageCmd)

	windowStartCmd.Flags().IntVar(&windowMinutes, "minutes", int(policy.DefaultWindowLength/time.Minute), "Window length in minutes")
	for _, c := range []*cobra.Command{windowStartCmd, windowClearCmd, windowStatusCmd} {
		addAPIFlag(c)
		windowCmd.AddCommand(c)
	}

	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(windowCmd)
}

func runUsage(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var summary usage.Summary
	q := url.Values{"period": {usagePeriod}}
	if err := client.do(cmd.Context(), "GET", "/api/usage?"+q.Encode(), nil, &summary); err != nil {
		return err
	}

	printUsage(&summary)
	return nil
}

func printUsage(s *usage.Summary) {
	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow)

	_, _ = cyan.Print("Today:      ")
	fmt.Printf("%d min\n", s.TodayMinutes)
	_, _ = cyan.Printf("%-12s", s.PeriodLabel+":")
	fmt.Printf("%d min\n", s.PeriodMinutes)
	_, _ = cyan.Printf("%-12s", s.AvgLabel+":")
	if s.NotEnoughData {
		_, _ = yellow.Printf("not enough data (%d of %d days)\n", s.CoverageDays, s.PeriodDays)
	} else {
		fmt.Printf("%d min/day\n", s.AveragePerDayMinutes)
	}

	if len(s.Domains) == 0 {
		return
	}
	names := make([]string, 0, len(s.Domains))
	for d := range s.Domains {
		names = append(names, d)
	}
	sort.Slice(names, func(i, j int) bool {
		if s.Domains[names[i]] != s.Domains[names[j]] {
			return s.Domains[names[i]] > s.Domains[names[j]]
		}
		return names[i] < names[j]
	})

	fmt.Println()
	for _, d := range names {
		fmt.Printf("  %-32s %s\n", d, (time.Duration(s.Domains[d]) * time.Second).String())
	}
}

func runWindowStart(cmd *cobra.Command, args []string) error {
	kind, err := policy.ParseKind(args[0])
	if err != nil {
		return err
	}
	if windowMinutes < 1 {
		return fmt.Errorf("--minutes must be at least 1")
	}
	return windowRequest(cmd.Context(), "POST", kind, api.StartWindowRequest{Minutes: &windowMinutes})
}

func runWindowClear(cmd *cobra.Command, args []string) error {
	kind, err := policy.ParseKind(args[0])
	if err != nil {
		return err
	}
	return windowRequest(cmd.Context(), "DELETE", kind, nil)
}

func runWindowStatus(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var win api.WindowResponse
	if err := client.do(cmd.Context(), "GET", "/api/windows", nil, &win); err != nil {
		return err
	}
	printWindow(win)
	return nil
}

func windowRequest(ctx context.Context, method string, kind policy.Kind, body interface{}) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var win api.WindowResponse
	if err := client.do(ctx, method, "/api/windows/"+string(kind), body, &win); err != nil {
		return err
	}
	printWindow(win)
	return nil
}

func printWindow(win api.WindowResponse) {
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	if win.Active {
		_, _ = red.Print("ENFORCING")
		fmt.Printf(" for %s\n", (time.Duration(win.RemainingSeconds) * time.Second).String())
	} else {
		_, _ = green.Println("OFF")
	}
	printExpiry("focus", win.FocusUntil)
	printExpiry("class", win.ClassUntil)
}

func printExpiry(kind string, until int64) {
	if until <= 0 {
		fmt.Printf("  %-6s not set\n", kind)
		return
	}
	fmt.Printf("  %-6s until %s\n", kind, time.UnixMilli(until).Format(time.RFC3339))
}
