package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matt-riley/flagkit/internal/middleware"
	"github.com/matt-riley/flagkit/internal/signing"
)

func newHashTokenCmd() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "hash-token",
		Short: "Print a bcrypt hash for FLAGKIT_SIDECAR_TOKEN_HASH",
		Long: `Hash a sidecar bearer token. The token is read from --token or, when the
flag is absent, from the first line of stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("token") {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read token: %w", err)
				}
				token = strings.TrimRight(line, "\r\n")
			}
			if strings.TrimSpace(token) == "" {
				return errors.New("token must not be empty")
			}

			hash, err := middleware.HashToken(token)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token to hash")
	return cmd
}

func newSignCmd() *cobra.Command {
	var (
		clientID  string
		secret    string
		payload   string
		timestamp int64
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print the X-Timestamp and X-Signature headers for a payload",
		Long: `Sign a request payload the way the client signs calls to the flag service.
Credentials default to FLAGKIT_CLIENT_ID and FLAGKIT_CLIENT_SECRET. GET
requests sign an empty payload.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if clientID == "" {
				clientID = os.Getenv("FLAGKIT_CLIENT_ID")
			}
			if secret == "" {
				secret = os.Getenv("FLAGKIT_CLIENT_SECRET")
			}
			if clientID == "" || secret == "" {
				return errors.New("client id and secret are required")
			}

			at := time.Now()
			if timestamp > 0 {
				at = time.Unix(timestamp, 0)
			}
			signature, ts := signing.Sign(clientID, secret, payload, at)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "X-Client-ID: %s\n", clientID)
			fmt.Fprintf(out, "X-Timestamp: %s\n", ts)
			_, err := fmt.Fprintf(out, "X-Signature: %s\n", signature)
			return err
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "client id (default $FLAGKIT_CLIENT_ID)")
	cmd.Flags().StringVar(&secret, "secret", "", "client secret (default $FLAGKIT_CLIENT_SECRET)")
	cmd.Flags().StringVar(&payload, "payload", "", "request body to sign")
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "unix seconds to sign at (default now)")
	return cmd
}
