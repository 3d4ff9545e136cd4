package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jonathan/autoapply/internal/server"
)

var tokenUser string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token for a user",
	Args:  cobra.NoArgs,
	RunE:  withApp(runToken),
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id to issue the token for")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(_ context.Context, a *app, _ []string) error {
	userID, err := parseUser(tokenUser)
	if err != nil {
		return err
	}
	jwtCfg, err := a.cfg.JWT()
	if err != nil {
		return err
	}
	token, err := server.NewJWTService(jwtCfg).GenerateToken(userID)
	if err != nil {
		return err
	}
	return a.printer.PrintToken(token)
}
