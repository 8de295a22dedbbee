package command

import (
	"os"

	"github.com/droidpack/droidpack"
	"github.com/spf13/cobra"
)

// NewDroidpack returns the root command for droidpack which acts as
// its CLI entrypoint.
func NewDroidpack() *cobra.Command {
	cmd := &cobra.Command{
		Use: "droidpack",
	}

	cmd.AddCommand(NewBuild())

	return SetCommon(cmd, droidpack.SemVer())
}

// envOr reads an environment variable with a fallback. Flags beat the
// environment, the environment beats the default.
func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return fallback
}
