package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/rollout/internal/config"
	"github.com/relicta-tech/rollout/internal/container"
	"github.com/relicta-tech/rollout/internal/domain/changelog"
	"github.com/relicta-tech/rollout/internal/domain/rollout/policy"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	"github.com/relicta-tech/rollout/internal/infrastructure/gitrepo"
)

var (
	changelogPrevious string
	changelogTag      string
	changelogRepo     string
	changelogBranch   string
)

var changelogCmd = &cobra.Command{
	Use:   "changelog <project>",
	Short: "Print the changelog of a project",
	Long: `Print the changes merged into a project since a tag.

Commits are read from GitLab, or from a local clone with --repo. With --tag
and no --previous the previous semantic version tag bounds the changelog.`,
	Args: cobra.ExactArgs(1),
	RunE: runChangelog,
}

func init() {
	changelogCmd.Flags().StringVar(&changelogPrevious, "previous", "", "tag the changelog starts after")
	changelogCmd.Flags().StringVar(&changelogTag, "tag", "", "tag being released, used to find the previous tag and scope sub-application changes")
	changelogCmd.Flags().StringVar(&changelogRepo, "repo", "", "read commits from a local repository instead of GitLab")
	changelogCmd.Flags().StringVar(&changelogBranch, "branch", "", "default branch of the local repository")
}

// openCommitSource returns the source commits are read from.
var openCommitSource = func(cfg *config.Config) (ports.CommitSource, func(), error) {
	if changelogRepo != "" {
		source, err := gitrepo.Open(changelogRepo, changelogBranch)
		if err != nil {
			return nil, nil, err
		}
		return source, func() {}, nil
	}
	client, err := container.NewGitLab(cfg.GitLab)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { _ = client.Close() }, nil
}

type changelogOutput struct {
	Project     string `json:"project"`
	Tag         string `json:"tag,omitempty"`
	PreviousTag string `json:"previous_tag,omitempty"`
	Changelog   string `json:"changelog"`
}

func runChangelog(cmd *cobra.Command, args []string) error {
	project := args[0]
	ctx := cmd.Context()

	source, closeSource, err := openCommitSource(cfg)
	if err != nil {
		return err
	}
	defer closeSource()

	previous := changelogPrevious
	if previous == "" && changelogTag != "" {
		tags, err := source.ListTags(ctx, project)
		if err != nil {
			return fmt.Errorf("failed to list tags: %w", err)
		}
		previous = changelog.PreviousTag(tags, changelogTag)
	}

	filter := changelogFilter(cfg, project, changelogTag)
	text, err := container.NewChangelog(source, cfg.Changelog).Generate(ctx, project, previous, filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if cfg.Output.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(changelogOutput{Project: project, Tag: changelogTag, PreviousTag: previous, Changelog: text})
	}

	title := "Changes in " + project
	if previous != "" {
		title += " since " + previous
	}
	printTitle(out, title)
	if text == "" {
		printSubtle(out, "No changes found")
		return nil
	}
	fmt.Fprintln(out, text)
	return nil
}

// changelogFilter scopes the changelog to the sub-application of tag for
// federated projects. Other projects keep every commit.
func changelogFilter(cfg *config.Config, project, tag string) changelog.Filter {
	p, ok := cfg.Project(project)
	if !ok || tag == "" || policy.Kind(p.Policy) != policy.KindFederated {
		return nil
	}
	federated := new(policy.Federated)
	return func(c ports.Commit) bool { return federated.FilterChangelog(c, tag) }
}
