package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/haasonsaas/backupwatch/pkg/policy"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	adminToken string
	timeout    time.Duration
	Version    = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "backupwatch",
		Short:         "backupwatch - backup agent fleet monitoring",
		Long:          "Register backup agents, inspect their health and drive alert evaluation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "backupwatch server URL")
	rootCmd.PersistentFlags().StringVarP(&adminToken, "token", "t", os.Getenv("BACKUPWATCH_ADMIN_TOKEN"), "Admin bearer token")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "Request timeout")

	rootCmd.AddCommand(
		statusCmd(),
		agentsCmd(),
		agentCmd(),
		registerCmd(),
		reissueCmd(),
		deactivateCmd(),
		evaluateCmd(),
		resetAlertsCmd(),
		rulesCmd(),
		versionCmd(),
	)
	return rootCmd
}

func client() *adminClient {
	return newAdminClient(serverURL, adminToken, timeout)
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed, color.Bold).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

// colorStatus paints a level name or stored alert status in its traffic-light colour.
func colorStatus(status string) string {
	switch policy.LevelOf(status) {
	case policy.LevelGreen:
		return green(status)
	case policy.LevelYellow:
		return yellow(status)
	case policy.LevelRed:
		return red(status)
	}
	return faint(orDash(status))
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet health per traffic-light level",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := client().summary(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "backupwatch Status\n")
			fmt.Fprintf(out, "==================\n\n")
			fmt.Fprintf(out, "Total Agents:   %d\n", s.Agents)
			for _, level := range []policy.Level{policy.LevelGreen, policy.LevelYellow, policy.LevelRed, policy.LevelUnset} {
				name := level.String()
				fmt.Fprintf(out, "%-15s %d\n", colorStatus(name)+":", s.Levels[name])
			}
			if s.Skipped > 0 {
				fmt.Fprintf(out, "Skipped Ticks:  %d\n", s.Skipped)
			}
			return nil
		},
	}
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "agents",
		Aliases: []string{"ls", "list"},
		Short:   "List all agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, err := client().agents(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tLEVEL\tALERT\tLAST ONLINE\tLAST DOWNLOAD\tSTATUS")
			fmt.Fprintln(w, "----\t-----\t-----\t-----------\t-------------\t------")
			for _, a := range agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					a.Name,
					policy.LevelOf(a.AlertStatus).String(),
					colorStatus(a.AlertStatus),
					since(a.LastTimeOnline),
					since(a.LastDownloadTime),
					orDash(a.DownloadStatus))
			}
			return w.Flush()
		},
	}
}

func agentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent [name]",
		Short: "Show details for a specific agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := client().agent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printAgent(cmd.OutOrStdout(), a)
			return nil
		},
	}
}

func printAgent(out io.Writer, a *Agent) {
	fmt.Fprintf(out, "Agent: %s\n", a.Name)
	fmt.Fprintf(out, "========================================\n\n")
	fmt.Fprintf(out, "State:          %s\n", orDash(a.State))
	fmt.Fprintf(out, "Company:        %s\n", orDash(a.Company))
	fmt.Fprintf(out, "Location:       %s\n", orDash(a.Location))
	fmt.Fprintf(out, "Level:          %s\n", policy.LevelOf(a.AlertStatus))
	fmt.Fprintf(out, "Alert Status:   %s\n", colorStatus(a.AlertStatus))
	fmt.Fprintf(out, "Last Online:    %s\n", stamp(a.LastTimeOnline))
	fmt.Fprintf(out, "Last Download:  %s\n", stamp(a.LastDownloadTime))
	fmt.Fprintf(out, "Last File:      %s\n", orDash(a.LastDownloaded))
	fmt.Fprintf(out, "Download:       %s\n", orDash(a.DownloadStatus))
	fmt.Fprintf(out, "SFTP Host:      %s\n", orDash(a.SFTPHost))
	fmt.Fprintf(out, "Client Version: %s\n", orDash(a.ClientVersion))
}

func registerCmd() *cobra.Command {
	spec := map[string]*string{}
	cmd := &cobra.Command{
		Use:   "register [name]",
		Short: "Register an agent and print its bootstrap identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"name": args[0]}
			for key, value := range spec {
				if *value != "" {
					body[key] = *value
				}
			}
			g, err := client().register(cmd.Context(), body)
			if err != nil {
				return err
			}
			printGrant(cmd.OutOrStdout(), "Registered", g)
			return nil
		},
	}

	flags := []struct{ flag, key, usage string }{
		{"company", "company", "Company the agent belongs to"},
		{"location", "location", "Site or location label"},
		{"sftp-host", "sftp_host", "SFTP host the agent downloads from"},
		{"sftp-username", "sftp_username", "SFTP username"},
		{"sftp-password", "sftp_password", "SFTP password"},
		{"sftp-folder", "sftp_folder_path", "Remote folder holding the backups"},
		{"folder-password", "folder_password", "Password protecting the local backup folder"},
		{"manager-host", "manager_host", "Manager host handed to the agent"},
		{"client-version", "client_version", "Pinned client version or stable/latest"},
	}
	for _, f := range flags {
		spec[f.key] = cmd.Flags().String(f.flag, "", f.usage)
	}
	return cmd
}

func reissueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reissue [name]",
		Short: "Issue a new bootstrap identifier, invalidating the current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := client().reissue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printGrant(cmd.OutOrStdout(), "Reissued", g)
			return nil
		},
	}
}

func printGrant(out io.Writer, verb string, g *Grant) {
	fmt.Fprintf(out, "%s %s\n", verb, green(g.Agent.Name))
	fmt.Fprintf(out, "Bootstrap identifier: %s\n", g.Identifier)
	fmt.Fprintln(out, faint("The identifier is shown once. Hand it to the agent with --bootstrap."))
}

func deactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate [name]",
		Short: "Deactivate an agent; its next exchange is told to drop credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().deactivate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deactivated %s\n", args[0])
			return nil
		},
	}
}

func evaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Run one health evaluation tick now",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().evaluate(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Agents evaluated: %d\n", res.Agents)
			fmt.Fprintf(out, "Status changes:   %d\n", res.Changed)
			fmt.Fprintf(out, "Notifications:    %d\n", res.Notified)
			if res.FleetRule != "" {
				fmt.Fprintf(out, "Fleet rule:       %s\n", red(res.FleetRule))
			}
			return nil
		},
	}
}

func resetAlertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-alerts",
		Short: "Clear every agent's alert status",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := client().resetAlerts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %d agents\n", n)
			return nil
		},
	}
}

func rulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List alert rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := client().rules(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tTHRESHOLD\tPRIORITY\tSTATUS\tRECIPIENTS")
			for _, r := range rules {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					r.Name, r.Kind, r.Threshold, r.Priority,
					colorStatus(r.AlertStatus), orDash(r.ToAddresses))
			}
			return w.Flush()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "backupwatch version %s\n", Version)
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func since(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return time.Since(*t).Round(time.Second).String() + " ago"
}

func stamp(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), since(t))
}
