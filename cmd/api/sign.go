package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noah-isme/stagerun-api/internal/config"
	"github.com/noah-isme/stagerun-api/pkg/signature"
)

// signCmd prints the job signature for a (repo, course, stage) triple, for replaying
// pipeline notifications by hand.
func signCmd() *cobra.Command {
	var repo, course, stage string

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print the job signature for a repository, course and stage",
		Example: `  STAGERUN_AUTH_SECRET=... stagerun-api sign --repo 8a6e0804-2bd0-4672-b79d-d97027f9071a --course redis --stage bind-port`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := config.AuthSecret()
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), signature.NewSigner(secret).SignJob(repo, course, stage))
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "learner repository name")
	cmd.Flags().StringVar(&course, "course", "", "course slug")
	cmd.Flags().StringVar(&stage, "stage", "", "stage slug")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("course")
	_ = cmd.MarkFlagRequired("stage")

	return cmd
}
