package zipalign

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// DefaultAlignment is the 4-byte boundary the platform requires.
const DefaultAlignment = 4

// Align finds `zipalign` on the PATH and runs Align against it.
// See Command.Align.
func Align(ctx context.Context, in, out string) error {
	return Command("zipalign").Align(ctx, in, out)
}

// Command represents the path to a `zipalign` executable.
type Command string

func (c Command) String() string {
	return string(c)
}

// Align executes `zipalign -f 4` against the .apk at in, writing the
// aligned .apk to out. The tool's combined output is attached to any
// error.
func (c Command) Align(ctx context.Context, in, out string) error {
	var (
		buf = new(bytes.Buffer)
		//nolint:gosec
		cmd = exec.CommandContext(ctx, c.String(), "-f", fmt.Sprint(DefaultAlignment), in, out)
	)

	cmd.Stdout = buf
	cmd.Stderr = buf

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("zipalign: %w: %s", err, buf.String())
	}

	return nil
}
