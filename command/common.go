package command

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

func SetCommon(cmd *cobra.Command, version string) *cobra.Command {
	var verbosity int
	cmd.PersistentFlags().CountVarP(&verbosity, "verbose", "V", fmt.Sprintf("Verbosity for %s.", cmd.Name()))
	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		var (
			slog = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: slog.Level(int(slog.LevelError) - 4*verbosity),
			}))
			slogr = logr.FromSlogHandler(slog.Handler())
		)

		cmd.SetContext(logr.NewContext(cmd.Context(), slogr))
	}

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	cmd.Version = version
	cmd.SetVersionTemplate("{{ .Name }}{{ .Version }} " + runtime.Version() + "\n")

	return cmd
}
