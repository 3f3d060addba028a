// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-guard/internal/security/auth"
	"github.com/jeranaias/rigrun-guard/internal/security/crypto"
)

// tokenBytes is the entropy of a generated identity credential.
const tokenBytes = 32

// totpIssuer labels enrolled authenticator entries.
const totpIssuer = "rigrun-guard"

// CredentialOutput is the JSON form of hash-credential and of a new
// identity created by init. Token is only set when it was generated.
type CredentialOutput struct {
	Identity         string `json:"identity,omitempty"`
	Token            string `json:"token,omitempty"`
	CredentialSHA256 string `json:"credential_sha256"`
	TOTPSecret       string `json:"totp_secret,omitempty"`
	TOTPURL          string `json:"totp_url,omitempty"`
}

// generateToken returns a random hex credential.
func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate credential: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// credentialDigest returns the hex digest stored in the config file.
func credentialDigest(secret []byte) string {
	h := auth.HashCredential(secret)
	return hex.EncodeToString(h[:])
}

// enrollTOTP generates a TOTP secret for account.
func enrollTOTP(account string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: account,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	return key, nil
}

func newHashCredentialCmd(g *globalOptions) *cobra.Command {
	var (
		fromStdin   bool
		totpAccount string
	)
	cmd := &cobra.Command{
		Use:   "hash-credential",
		Short: "Hash a credential for the identities table",
		Long: `Reads a credential without echo and prints the SHA-256 digest to store as
credential_sha256 in the [[auth.identities]] table. The credential itself
is never written anywhere.

Examples:
  rigrun-guard hash-credential
  echo -n "$TOKEN" | rigrun-guard hash-credential --stdin
  rigrun-guard hash-credential --totp operator`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var secret []byte
			var err error
			if fromStdin {
				secret, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read credential: %w", err)
				}
				secret = bytes.TrimRight(secret, "\r\n")
			} else {
				secret, err = readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "Credential: ")
				if err != nil {
					return fmt.Errorf("%w (use --stdin)", err)
				}
			}
			defer crypto.ZeroBytes(secret)
			if len(secret) == 0 {
				return fmt.Errorf("empty credential")
			}

			out := CredentialOutput{
				Identity:         totpAccount,
				CredentialSHA256: credentialDigest(secret),
			}
			if totpAccount != "" {
				key, err := enrollTOTP(totpAccount)
				if err != nil {
					return err
				}
				out.TOTPSecret = key.Secret()
				out.TOTPURL = key.URL()
			}

			if g.jsonOutput {
				return NewJSONResponse("hash-credential", out).Write(cmd.OutOrStdout())
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, renderField("credential_sha256", out.CredentialSHA256))
			if out.TOTPSecret != "" {
				fmt.Fprintln(w, renderField("totp_secret", out.TOTPSecret))
				fmt.Fprintln(w, renderField("totp_url", out.TOTPURL))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read the credential from stdin")
	cmd.Flags().StringVar(&totpAccount, "totp", "", "Also enroll a TOTP secret for this account")
	return cmd
}
