package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/claudebridge/claudebridge/internal/project"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the configuration and environment",
	Long: `Runs the preflight checks the daemon depends on: the config file
parses, the Claude CLI answers --version, the data directory is
writable, and every configured project directory exists.`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "🔍 Claude Bridge doctor")
	fmt.Fprintln(out)

	failed := 0
	report := func(ok bool, name, detail string) {
		mark := "✅"
		if !ok {
			mark = "❌"
			failed++
		}
		fmt.Fprintf(out, "%s %-14s %s\n", mark, name, detail)
	}

	cfg, err := loadConfig()
	if err != nil {
		report(false, "config", err.Error())
		fmt.Fprintln(out, "\nFix the configuration first; the remaining checks need it.")
		return usageErr(fmt.Errorf("configuration invalid"))
	}
	report(true, "config", "loaded and valid")

	switch {
	case cfg.Slack.AppToken == "" || cfg.Slack.BotToken == "":
		report(false, "slack tokens", "app or bot token missing")
	case !strings.HasPrefix(cfg.Slack.AppToken, "xapp-") || !strings.HasPrefix(cfg.Slack.BotToken, "xoxb-"):
		report(false, "slack tokens", "unexpected prefixes (want xapp- and xoxb-)")
	default:
		report(true, "slack tokens", "shaped as expected")
	}

	if cliPath, lookErr := exec.LookPath(cfg.Claude.CLIPath); lookErr != nil {
		report(false, "claude cli", fmt.Sprintf("%q not found in PATH", cfg.Claude.CLIPath))
	} else {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		verOut, verErr := exec.CommandContext(ctx, cliPath, "--version").Output()
		cancel()
		if verErr != nil {
			report(false, "claude cli", fmt.Sprintf("%s --version failed: %v", cliPath, verErr))
		} else {
			report(true, "claude cli", strings.TrimSpace(string(verOut)))
		}
	}

	if mkErr := os.MkdirAll(cfg.Data.Dir, 0o755); mkErr != nil {
		report(false, "data dir", mkErr.Error())
	} else {
		probe := filepath.Join(cfg.Data.Dir, ".doctor-probe")
		if wrErr := os.WriteFile(probe, []byte("ok\n"), 0o600); wrErr != nil {
			report(false, "data dir", fmt.Sprintf("not writable: %v", wrErr))
		} else {
			_ = os.Remove(probe)
			report(true, "data dir", cfg.Data.Dir)
		}
	}

	if len(cfg.Projects) == 0 {
		fmt.Fprintln(out, "⚠️  projects       none configured; the bridge will have nowhere to run")
	} else {
		present := 0
		for _, pc := range cfg.Projects {
			p := project.Project{Name: pc.Name, Path: pc.Path}
			if p.Exists() {
				present++
			} else {
				report(false, "project "+pc.Name, pc.Path+" is not a directory")
			}
		}
		if present == len(cfg.Projects) {
			report(true, "projects", fmt.Sprintf("%d configured, all present", present))
		}
	}

	fmt.Fprintln(out)
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	fmt.Fprintln(out, "All checks passed.")
	return nil
}
