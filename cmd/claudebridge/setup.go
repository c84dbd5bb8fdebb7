package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/claudebridge/claudebridge/internal/common/config"
)

var setupForce bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive first-run configuration",
	Long: `Walks through the Slack tokens, Claude CLI location, and project
directories, then writes a config.yaml. Existing files are left alone
unless --force is given.`,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().BoolVar(&setupForce, "force", false, "overwrite an existing config file")
}

// setupDoc is the YAML the wizard writes. Only the keys it collects are
// emitted; everything else falls back to the built-in defaults.
type setupDoc struct {
	Slack struct {
		AppToken string `yaml:"app_token"`
		BotToken string `yaml:"bot_token"`
		Channel  string `yaml:"channel"`
	} `yaml:"slack"`
	Claude struct {
		CLIPath string `yaml:"cli_path"`
	} `yaml:"claude"`
	Data struct {
		Dir string `yaml:"dir"`
	} `yaml:"data"`
	Projects []setupProject `yaml:"projects,omitempty"`
}

type setupProject struct {
	Name        string `yaml:"name"`
	Path        string `yaml:"path"`
	Description string `yaml:"description,omitempty"`
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".claudebridge", "config.yaml")
}

func runSetup(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	in := bufio.NewReader(cmd.InOrStdin())

	path := cfgFile
	if path == "" {
		path = defaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil && !setupForce {
		return usageErr(fmt.Errorf("config file %s already exists (re-run with --force to overwrite)", path))
	}

	fmt.Fprintln(out, "🤖 Welcome to Claude Bridge setup!")
	fmt.Fprintln(out, strings.Repeat("=", 50))
	fmt.Fprintf(out, "Configuration will be saved to: %s\n\n", path)

	var doc setupDoc

	fmt.Fprintln(out, "📱 Slack")
	fmt.Fprintln(out, "You need an app-level token (socket mode) and a bot token.")
	fmt.Fprintln(out, "Visit https://api.slack.com/apps to create the app if you haven't.")
	doc.Slack.AppToken = promptToken(in, out, "Slack app token (xapp-...)", "xapp-")
	doc.Slack.BotToken = promptToken(in, out, "Slack bot token (xoxb-...)", "xoxb-")
	doc.Slack.Channel = prompt(in, out, "Slack channel ID", "")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "🧠 Claude CLI")
	doc.Claude.CLIPath = prompt(in, out, "Claude CLI path", "claude")
	probeClaude(out, doc.Claude.CLIPath)
	fmt.Fprintln(out)

	doc.Data.Dir = prompt(in, out, "Data directory", "~/.claudebridge")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📁 Projects")
	fmt.Fprintln(out, "Add the project directories the bridge may open sessions in.")
	for {
		name := prompt(in, out, "Project name (empty to finish)", "")
		if name == "" {
			break
		}
		if hasProject(doc.Projects, name) {
			fmt.Fprintf(out, "❌ Project %q is already configured\n", name)
			continue
		}
		projectPath := prompt(in, out, fmt.Sprintf("Path for %q", name), "")
		if projectPath == "" {
			fmt.Fprintln(out, "❌ Project path is required")
			continue
		}
		if expanded, err := config.ExpandPath(projectPath); err != nil {
			fmt.Fprintf(out, "⚠️  Cannot resolve %q: %v\n", projectPath, err)
		} else if _, err := os.Stat(expanded); err != nil {
			fmt.Fprintf(out, "⚠️  Path %q does not exist yet\n", projectPath)
		}
		desc := prompt(in, out, "Description (optional)", "")
		doc.Projects = append(doc.Projects, setupProject{Name: name, Path: projectPath, Description: desc})
		fmt.Fprintf(out, "✅ Added project %q\n\n", name)
	}
	if len(doc.Projects) == 0 {
		fmt.Fprintln(out, "⚠️  No projects configured; add them under projects: later.")
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	// The file holds tokens; keep it private.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintf(out, "\n✅ Wrote %s\n", path)
	fmt.Fprintln(out, "Run `claudebridge doctor` to verify the environment, then `claudebridge` to start.")
	return nil
}

// prompt reads one trimmed line, returning def when the answer is empty.
func prompt(in *bufio.Reader, out io.Writer, label, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	line, _ := in.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

// promptToken re-asks until the answer carries the expected prefix. When
// input runs out (non-interactive use) the last answer is kept as given.
func promptToken(in *bufio.Reader, out io.Writer, label, prefix string) string {
	for {
		fmt.Fprintf(out, "%s: ", label)
		line, err := in.ReadString('\n')
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) && line != prefix {
			return line
		}
		if line == "" {
			fmt.Fprintln(out, "❌ A token is required")
		} else {
			fmt.Fprintf(out, "❌ Token should start with %q\n", prefix)
		}
		if err != nil {
			return line
		}
	}
}

func probeClaude(out io.Writer, cliPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, cliPath, "--version").Run(); err != nil {
		fmt.Fprintf(out, "⚠️  Could not run %q --version: %v\n", cliPath, err)
	}
}

func hasProject(projects []setupProject, name string) bool {
	for _, p := range projects {
		if p.Name == name {
			return true
		}
	}
	return false
}
