package main

import (
	"fmt"

	"github.com/jonathan/workflow-runner/internal/server"
	"github.com/spf13/cobra"
)

var tokenSubject string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin API bearer token",
	Long:  `Issue a bearer token for the admin API, signed with jwt_secret (or JWT_SECRET).`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadSettings()
		if err != nil {
			return err
		}
		jwtConfig, err := cfg.JWT()
		if err != nil {
			return err
		}
		if jwtConfig == nil {
			return fmt.Errorf("jwt_secret is not configured")
		}
		token, err := server.NewJWTService(jwtConfig).GenerateToken(tokenSubject)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject, recorded as triggeredBy (required)")
	_ = tokenCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(tokenCmd)
}
