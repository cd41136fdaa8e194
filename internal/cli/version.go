package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/netbox-sync/netbox-sync/pkg/version"
	"github.com/spf13/cobra"
)

type VersionOptions struct {
	Output string
}

func DefaultVersionOptions() *VersionOptions {
	return &VersionOptions{
		Output: "",
	}
}

func NewCmdVersion() *cobra.Command {
	o := DefaultVersionOptions()
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print netbox-sync version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run(cmd.Context(), cmd.OutOrStdout())
		},
	}
	return cmd
}

func (o *VersionOptions) Run(ctx context.Context, w io.Writer) error {
	_, err := fmt.Fprintf(w, "netbox-sync version: %s\n", version.Get().String())
	return err
}
