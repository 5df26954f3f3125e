package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

const serviceName = "collectionrecorder"

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s %s/%s)\n",
				serviceName, version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
}
