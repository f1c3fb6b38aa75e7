package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/fatih/color"
	"github.com/goodtune/kfocus/internal/config"
	"github.com/goodtune/kfocus/internal/enforce"
	"github.com/goodtune/kfocus/internal/policy"
	"github.com/goodtune/kfocus/internal/policy/opa"
	"github.com/spf13/cobra"
)

var (
	checkPath         string
	checkResourceType string
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] HOST|URL",
	Short: "Check tracking and blocking decisions for a host",
	Long: `Check whether a host is tracked, whether a restriction window is running,
and which rule, if any, blocks a request to it right now.`,
	Example: `  kfocus check chatgpt.com
  kfocus check --type xhr https://api.openai.com/v1/chat/completions`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkPath, "path", "", "Request path (taken from the URL when one is given)")
	checkCmd.Flags().StringVar(&checkResourceType, "type", string(enforce.MainFrame), "Resource type (main_frame, sub_frame, xmlhttprequest, script, other)")
	rootCmd.AddCommand(checkCmd)
}

// parseTarget splits a bare host or an http(s) URL into host and path.
func parseTarget(target string) (host, path string, err error) {
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", "", fmt.Errorf("invalid URL: %s", target)
		}
		return strings.ToLower(u.Hostname()), u.EscapedPath(), nil
	}
	host, path, _ = strings.Cut(target, "/")
	if path != "" {
		path = "/" + path
	}
	return strings.ToLower(host), path, nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	host, path, err := parseTarget(args[0])
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("no host in %q", args[0])
	}
	if checkPath != "" {
		path = checkPath
	}
	resourceType, err := enforce.ParseResourceType(checkResourceType)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clock := quartz.NewReal()
	c, err := buildCore(ctx, cfg, clock, quietLogger())
	if err != nil {
		return err
	}
	defer c.Close()

	win, err := c.windows.Window(ctx)
	if err != nil {
		return fmt.Errorf("failed to load window: %w", err)
	}
	if err := c.syncer.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to materialize rules: %w", err)
	}

	decision, err := c.surface.Evaluate(ctx, enforce.Request{
		Host:         host,
		Path:         path,
		ResourceType: resourceType,
	})
	if err != nil {
		return fmt.Errorf("failed to evaluate request: %w", err)
	}

	printCheckResult(host, path, resourceType, c.matcher.IsTracked(host), win, clock.Now(), decision)
	return nil
}

// printCheckResult prints the check result with colors
func printCheckResult(host, path string, rt enforce.ResourceType, tracked bool, win policy.Window, now time.Time, decision *opa.Decision) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println("KFOCUS CHECK")
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Host:       %s\n", host)
	if path != "" {
		fmt.Printf("Path:       %s\n", path)
	}
	fmt.Printf("Type:       %s\n", rt)
	fmt.Println()

	_, _ = cyan.Print("Tracked:    ")
	if tracked {
		_, _ = yellow.Println("YES")
		fmt.Println("            → Visible time on this host is counted")
	} else {
		_, _ = green.Println("NO")
	}

	_, _ = cyan.Print("Window:     ")
	if win.IsActive(now) {
		_, _ = yellow.Printf("RUNNING (%s left)\n", win.Remaining(now).Round(time.Second))
	} else {
		_, _ = green.Println("OFF")
	}

	_, _ = cyan.Print("Decision:   ")
	if decision.Blocked {
		_, _ = red.Println("BLOCK")
		fmt.Printf("Rule:       %d (%s)\n", decision.RuleID, decision.URLFilter)
	} else {
		_, _ = green.Println("ALLOW")
	}

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
