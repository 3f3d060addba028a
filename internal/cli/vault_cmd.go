// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-guard/internal/config"
	"github.com/jeranaias/rigrun-guard/internal/guard"
	"github.com/jeranaias/rigrun-guard/internal/security/crypto"
	"github.com/jeranaias/rigrun-guard/internal/security/vault"
	"github.com/jeranaias/rigrun-guard/internal/telemetry"
	"github.com/jeranaias/rigrun-guard/internal/util"
)

// maxHeaderRead covers the fixed header plus the longest salt.
const maxHeaderRead = 512

// readPassphrase takes the passphrase from the configured environment
// variable, or prompts without echo. It must run before the boundary is
// built: the sandbox forbids the terminal ioctls.
func readPassphrase(cmd *cobra.Command, cfg *config.Config, confirm bool) ([]byte, error) {
	if env := cfg.Vault.PassphraseEnv; env != "" {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			return []byte(v), nil
		}
	}
	pass, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "Vault passphrase: ")
	if err != nil {
		if errors.Is(err, ErrNoTerminal) {
			return nil, fmt.Errorf("%w: set %s to supply the passphrase", err, cfg.Vault.PassphraseEnv)
		}
		return nil, err
	}
	if confirm {
		again, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "Confirm passphrase: ")
		if err != nil {
			crypto.ZeroBytes(pass)
			return nil, err
		}
		match := bytes.Equal(pass, again)
		crypto.ZeroBytes(again)
		if !match {
			crypto.ZeroBytes(pass)
			return nil, fmt.Errorf("passphrases do not match")
		}
	}
	if len(pass) == 0 {
		return nil, fmt.Errorf("empty passphrase")
	}
	return pass, nil
}

// openBoundary builds the boundary with metrics and unlocks the vault.
func openBoundary(cfg *config.Config, logger zerolog.Logger, passphrase []byte) (*guard.Boundary, error) {
	b, err := guard.New(cfg,
		guard.WithLogger(logger),
		guard.WithMetrics(telemetry.New()),
	)
	if err != nil {
		crypto.ZeroBytes(passphrase)
		return nil, err
	}
	if err := b.Unlock(passphrase); err != nil {
		return nil, errors.Join(err, b.Close())
	}
	return b, nil
}

func newVaultCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Seal and open model files",
		Long: `Model files are sealed with AES-256-GCM under a key derived from the vault
passphrase and the installation salt. The passphrase is read without echo,
or from the environment variable named by vault.passphrase_env.`,
	}
	cmd.AddCommand(
		newVaultEncryptCmd(g),
		newVaultDecryptCmd(g),
		newVaultStatusCmd(g),
	)
	return cmd
}

func newVaultEncryptCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <plaintext> <sealed>",
		Short: "Seal a model file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			pass, err := readPassphrase(cmd, cfg, true)
			if err != nil {
				return err
			}
			b, err := openBoundary(cfg, logger, pass)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Join(NewCommandError("vault", "encrypt", err), b.Close())
			}
			err = b.SaveModel(args[1], data)
			crypto.ZeroBytes(data)
			if err = errors.Join(err, b.Close()); err != nil {
				return err
			}

			if g.jsonOutput {
				return NewJSONResponse("vault encrypt", map[string]string{
					"source": args[0],
					"sealed": args[1],
				}).Write(cmd.OutOrStdout())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s sealed %s -> %s\n", RenderStatus("ok"), args[0], args[1])
			return nil
		},
	}
}

func newVaultDecryptCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <sealed> <plaintext>",
		Short: "Open a sealed model file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			pass, err := readPassphrase(cmd, cfg, false)
			if err != nil {
				return err
			}
			b, err := openBoundary(cfg, logger, pass)
			if err != nil {
				return err
			}

			data, err := b.LoadModel(args[0])
			if err == nil {
				err = util.AtomicWriteFile(args[1], data, 0600)
				crypto.ZeroBytes(data)
			}
			if err = errors.Join(err, b.Close()); err != nil {
				return err
			}

			if g.jsonOutput {
				return NewJSONResponse("vault decrypt", map[string]string{
					"sealed":    args[0],
					"plaintext": args[1],
				}).Write(cmd.OutOrStdout())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s opened %s -> %s\n", RenderStatus("ok"), args[0], args[1])
			return nil
		},
	}
}

// SealedFileStatus describes one file passed to vault status.
type SealedFileStatus struct {
	Path        string `json:"path"`
	Sealed      bool   `json:"sealed"`
	Version     uint16 `json:"version,omitempty"`
	SaltMatches bool   `json:"salt_matches"`
	Error       string `json:"error,omitempty"`
}

// VaultStatus is the JSON form of vault status.
type VaultStatus struct {
	SaltPath      string             `json:"salt_path"`
	SaltPresent   bool               `json:"salt_present"`
	SaltError     string             `json:"salt_error,omitempty"`
	Iterations    int                `json:"iterations"`
	IterationsOld bool               `json:"iterations_outdated"`
	Files         []SealedFileStatus `json:"files,omitempty"`
}

func inspectSealed(path string, salt []byte) SealedFileStatus {
	st := SealedFileStatus{Path: path}
	f, err := os.Open(path)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	defer f.Close()

	head := make([]byte, maxHeaderRead)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		st.Error = err.Error()
		return st
	}
	head = head[:n]
	if !vault.IsSealed(head) {
		return st
	}
	st.Sealed = true
	h, _, err := vault.ParseHeader(head)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Version = h.Version
	st.SaltMatches = salt != nil && bytes.Equal(h.Salt, salt)
	return st
}

func newVaultStatusCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [file...]",
		Short: "Show the key salt and whether files are sealed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load(cmd)
			if err != nil {
				return err
			}
			st := VaultStatus{
				SaltPath:      cfg.Vault.SaltPath,
				Iterations:    cfg.Vault.Iterations,
				IterationsOld: crypto.IterationsOutdated(cfg.Vault.Iterations),
			}
			salt, err := crypto.LoadSalt(cfg.Vault.SaltPath)
			if err != nil {
				st.SaltError = err.Error()
				salt = nil
			} else {
				st.SaltPresent = true
			}
			for _, path := range args {
				st.Files = append(st.Files, inspectSealed(path, salt))
			}

			if g.jsonOutput {
				return NewJSONResponse("vault status", st).Write(cmd.OutOrStdout())
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, TitleStyle.Render("Vault"))
			saltState := "ok"
			if !st.SaltPresent {
				saltState = "fail"
			}
			fmt.Fprintln(w, renderField("Salt", RenderStatus(saltState)+" "+st.SaltPath))
			if st.SaltError != "" {
				fmt.Fprintln(w, DimStyle.Render("  "+st.SaltError))
			}
			iterState := "ok"
			if st.IterationsOld {
				iterState = "warn"
			}
			fmt.Fprintln(w, renderField("Iterations", RenderStatus(iterState)+" "+strconv.Itoa(st.Iterations)))
			for _, f := range st.Files {
				switch {
				case f.Error != "":
					fmt.Fprintf(w, "%s %s: %s\n", RenderStatus("fail"), f.Path, f.Error)
				case !f.Sealed:
					fmt.Fprintf(w, "%s %s: not sealed\n", RenderStatus("warn"), f.Path)
				case !f.SaltMatches:
					fmt.Fprintf(w, "%s %s: sealed v%d under a different salt\n", RenderStatus("fail"), f.Path, f.Version)
				default:
					fmt.Fprintf(w, "%s %s: sealed v%d\n", RenderStatus("ok"), f.Path, f.Version)
				}
			}
			return nil
		},
	}
}
