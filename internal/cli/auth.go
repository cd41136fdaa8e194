package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/netbox-sync/netbox-sync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

type AuthOptions struct {
	// FromStdin reads the token from standard input instead of prompting.
	FromStdin bool

	in io.Reader
}

func NewCmdAuth() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the API tokens kept in the OS keyring.",
		Long:  "Tokens stored here are used when YC_TOKEN or NETBOX_TOKEN is not set.",
	}
	cmd.AddCommand(newCmdAuthSet())
	cmd.AddCommand(newCmdAuthDelete())
	return cmd
}

func newCmdAuthSet() *cobra.Command {
	o := &AuthOptions{in: os.Stdin}
	cmd := &cobra.Command{
		Use:       fmt.Sprintf("set (%s | %s)", config.KeyringUserYandex, config.KeyringUserNetBox),
		Short:     "Store a token in the OS keyring.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{config.KeyringUserYandex, config.KeyringUserNetBox},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Set(cmd.Context(), args[0], cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func newCmdAuthDelete() *cobra.Command {
	o := &AuthOptions{}
	cmd := &cobra.Command{
		Use:   fmt.Sprintf("delete (%s | %s)", config.KeyringUserYandex, config.KeyringUserNetBox),
		Short: "Remove a token from the OS keyring.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Validate(args); err != nil {
				return err
			}
			if err := config.DeleteToken(args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s token deleted\n", args[0])
			return err
		},
		SilenceUsage: true,
	}
	return cmd
}

func (o *AuthOptions) Bind(fs *pflag.FlagSet) {
	fs.BoolVar(&o.FromStdin, "stdin", o.FromStdin, "Read the token from standard input.")
}

func (o *AuthOptions) Validate(args []string) error {
	_, err := config.KeyringUser(args[0])
	return err
}

func (o *AuthOptions) Set(ctx context.Context, user string, w io.Writer) error {
	token, err := o.readToken(user, w)
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("empty %s token", user)
	}
	if err := config.StoreToken(user, token); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s token stored (%s)\n", user, config.MaskToken(token))
	return err
}

func (o *AuthOptions) readToken(user string, w io.Writer) (string, error) {
	if f, ok := o.in.(*os.File); ok && !o.FromStdin && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(w, "Enter %s token: ", user)
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(w)
		if err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	line, err := bufio.NewReader(o.in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading token: %w", err)
	}
	return strings.TrimSpace(line), nil
}
