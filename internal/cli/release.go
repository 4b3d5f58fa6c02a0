package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/httpserver/dto"
)

var (
	releaseServer   string
	releaseToken    string
	releaseOutput   string
	releaseTimeout  time.Duration
	releaseActor    string
	releasePrevious string
	releaseChannel  string
)

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Create, cancel, end and list tracked releases",
	Long: `Manage the releases tracked by a running rollout server.

The server address defaults to server.address of the configuration and the
token to server.api_token.`,
}

var releaseCreateCmd = &cobra.Command{
	Use:   "create <project> <tag>",
	Short: "Track a new release",
	Args:  cobra.ExactArgs(2),
	RunE:  runReleaseCreate,
}

var releaseCancelCmd = &cobra.Command{
	Use:   "cancel <project> <tag>",
	Short: "Cancel a release before it is deployed anywhere",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReleaseCommand(cmd, args, "canceled")
	},
}

var releaseEndCmd = &cobra.Command{
	Use:   "end <project> <tag>",
	Short: "Mark a release as fully deployed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReleaseCommand(cmd, args, "ended")
	},
}

var releaseListCmd = &cobra.Command{
	Use:   "list [project]",
	Short: "List tracked releases",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReleaseList,
}

func init() {
	flags := releaseCmd.PersistentFlags()
	flags.StringVar(&releaseServer, "server", "", "base URL of the rollout server")
	flags.StringVar(&releaseToken, "token", "", "API bearer token")
	flags.StringVarP(&releaseOutput, "output", "o", "table", "output format (table, json, yaml)")
	flags.DurationVar(&releaseTimeout, "timeout", 30*time.Second, "request timeout")
	flags.StringVar(&releaseActor, "actor", "", "user the command is issued for (default: $USER)")

	releaseCreateCmd.Flags().StringVar(&releasePrevious, "previous", "", "tag the changelog starts after")
	releaseCreateCmd.Flags().StringVar(&releaseChannel, "channel", "", "channel to announce the release in")

	releaseCmd.AddCommand(releaseCreateCmd, releaseCancelCmd, releaseEndCmd, releaseListCmd)
}

// serverURL derives the server URL from the listen address.
func serverURL(address string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return address
	}
	if strings.HasPrefix(address, ":") {
		address = "localhost" + address
	}
	return "http://" + address
}

func releaseClient() (*apiClient, error) {
	server := releaseServer
	if server == "" {
		server = serverURL(cfg.Server.Address)
	}
	token := releaseToken
	if token == "" {
		token = cfg.Server.APIToken
	}
	return newAPIClient(server, token, releaseTimeout)
}

func actor() string {
	if releaseActor != "" {
		return releaseActor
	}
	return os.Getenv("USER")
}

func outputFormat() string {
	if outputJSON {
		return "json"
	}
	return releaseOutput
}

func runReleaseCreate(cmd *cobra.Command, args []string) error {
	client, err := releaseClient()
	if err != nil {
		return err
	}
	release, err := client.Create(cmd.Context(), dto.CreateReleaseRequest{
		Project:     args[0],
		Tag:         args[1],
		PreviousTag: releasePrevious,
		Actor:       actor(),
		Channel:     releaseChannel,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format := outputFormat(); format != "table" {
		return encode(out, format, release)
	}
	printSuccess(out, fmt.Sprintf("Tracking %s %s", release.Project, release.Tag))
	if release.State == string(rollout.StateNotYetReady) {
		printWarning(out, "Waiting for the main branch build before announcing")
	} else {
		printInfo(out, "State: "+release.State)
	}
	if release.Description != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, release.Description)
	}
	return nil
}

func runReleaseCommand(cmd *cobra.Command, args []string, verb string) error {
	client, err := releaseClient()
	if err != nil {
		return err
	}
	command := dto.ReleaseCommand{Project: args[0], Tag: args[1], Actor: actor()}

	run := client.Cancel
	if verb == "ended" {
		run = client.End
	}
	resp, err := run(cmd.Context(), command)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format := outputFormat(); format != "table" {
		return encode(out, format, resp)
	}
	printSuccess(out, fmt.Sprintf("Release %s %s %s", resp.Project, resp.Tag, verb))
	return nil
}

func runReleaseList(cmd *cobra.Command, args []string) error {
	client, err := releaseClient()
	if err != nil {
		return err
	}
	project := ""
	if len(args) == 1 {
		project = args[0]
	}
	list, err := client.List(cmd.Context(), project)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format := outputFormat(); format != "table" {
		return encode(out, format, list)
	}
	if list.Total == 0 {
		printSubtle(out, "No releases tracked")
		return nil
	}
	fmt.Fprintln(out, releaseTable(list.Data))
	return nil
}

func encode(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func releaseTable(releases []dto.ReleaseDTO) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(styles.Subtle).
		Headers("PROJECT", "TAG", "STATE", "AUTHOR", "DEPLOYED", "CREATED").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styles.Bold.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})

	for _, r := range releases {
		t.Row(r.Project, r.Tag, r.State, r.Author.Username, environments(r.Succeeded), r.CreatedAt.Local().Format(time.DateTime))
	}
	return t.String()
}

func environments(envs []dto.EnvironmentDTO) string {
	if len(envs) == 0 {
		return "-"
	}
	names := make([]string, 0, len(envs))
	for _, e := range envs {
		names = append(names, e.Environment)
	}
	return strings.Join(names, ", ")
}
