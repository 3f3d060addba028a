// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-guard/internal/config"
	"github.com/jeranaias/rigrun-guard/internal/security/crypto"
)

// InitOutput is the JSON form of the init command.
type InitOutput struct {
	ConfigPath  string            `json:"config_path"`
	SaltPath    string            `json:"salt_path"`
	SaltCreated bool              `json:"salt_created"`
	Identity    *CredentialOutput `json:"identity,omitempty"`
}

func newInitCmd(g *globalOptions) *cobra.Command {
	var (
		force        bool
		identity     string
		capabilities []string
		withTOTP     bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration and create the key salt",
		Long: `Writes the default configuration with owner-only permissions and creates
the key derivation salt. With --identity a random credential is generated,
its digest stored in the config and the credential printed once.

Examples:
  rigrun-guard init
  rigrun-guard init --identity operator --capabilities generate,embed
  rigrun-guard init --identity operator --totp --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := g.resolvedConfigPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat config: %w", err)
			}

			cfg := config.Default()
			out := InitOutput{ConfigPath: path, SaltPath: cfg.Vault.SaltPath}

			if identity != "" {
				token, err := generateToken()
				if err != nil {
					return err
				}
				cred := &CredentialOutput{
					Identity:         identity,
					Token:            token,
					CredentialSHA256: credentialDigest([]byte(token)),
				}
				idc := config.IdentityConfig{
					Name:             identity,
					CredentialSHA256: cred.CredentialSHA256,
					Capabilities:     capabilities,
				}
				if withTOTP {
					key, err := enrollTOTP(identity)
					if err != nil {
						return err
					}
					idc.TOTPSecret = key.Secret()
					cred.TOTPSecret = key.Secret()
					cred.TOTPURL = key.URL()
				}
				cfg.Auth.Identities = append(cfg.Auth.Identities, idc)
				out.Identity = cred
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			_, created, err := crypto.LoadOrCreateSalt(cfg.Vault.SaltPath)
			if err != nil {
				return NewCommandError("init", "create salt", err)
			}
			out.SaltCreated = created

			if g.jsonOutput {
				return NewJSONResponse("init", out).Write(cmd.OutOrStdout())
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, TitleStyle.Render("rigrun-guard initialized"))
			fmt.Fprintln(w, renderField("Config", out.ConfigPath))
			saltState := "existing"
			if created {
				saltState = "created"
			}
			fmt.Fprintln(w, renderField("Salt", out.SaltPath+" ("+saltState+")"))
			if out.Identity != nil {
				fmt.Fprintln(w)
				fmt.Fprintln(w, renderField("Identity", out.Identity.Identity))
				fmt.Fprintln(w, renderField("Credential", out.Identity.Token))
				if out.Identity.TOTPURL != "" {
					fmt.Fprintln(w, renderField("TOTP enrollment", out.Identity.TOTPURL))
				}
				fmt.Fprintln(w, WarningStyle.Render("The credential is shown once and is not stored. Keep it safe."))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration")
	cmd.Flags().StringVar(&identity, "identity", "", "Create an identity with a generated credential")
	cmd.Flags().StringSliceVar(&capabilities, "capabilities", []string{"generate"}, "Capabilities granted to --identity")
	cmd.Flags().BoolVar(&withTOTP, "totp", false, "Enroll a TOTP second factor for --identity")
	return cmd
}
