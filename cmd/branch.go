package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var errNotPullRequest = errors.New("not running for a pull or merge request")

var branchCmd = &cobra.Command{
	Use:   "branch-deployment PROJECT_DIR",
	Short: "Create or update the branch deployment for this pull request",
	Long: `Reads the pull or merge request from the CI environment, upserts its
branch deployment and prints the deployment name.`,
	Args: cobra.ExactArgs(1),
	RunE: runBranch,
}

func init() {
	rootCmd.AddCommand(branchCmd)
}

func runBranch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := loadEnv()
	if err != nil {
		return err
	}
	if err := e.cfg.Validate(true); err != nil {
		return err
	}
	ciCtx, err := e.ciContext(ctx, args[0])
	if err != nil {
		return err
	}
	bd, ok := ciCtx.BranchDeployment()
	if !ok {
		return errNotPullRequest
	}
	client, err := e.client()
	if err != nil {
		return err
	}
	name, err := client.CreateOrUpdateBranchDeployment(ctx, bd)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), name)
	return nil
}
