package apksigner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Sign finds `apksigner` on the PATH and runs Sign against it.
// See Command.Sign.
func Sign(ctx context.Context, name string, opts *SignOpts) error {
	return Command("apksigner").Sign(ctx, name, opts)
}

// Command represents the path to an `apksigner` executable.
type Command string

func (c Command) String() string {
	return string(c)
}

// SignOpts represent flags that can be passed to `apksigner sign`.
type SignOpts struct {
	Keystore     string
	KeystorePass string
	KeyAlias     string
	Output       string
}

// Sign executes `apksigner sign` against the .apk at name. The tool's
// combined output is attached to any error. The keystore passphrase is
// passed via the pass: scheme, never logged.
func (c Command) Sign(ctx context.Context, name string, opts *SignOpts) error {
	args := []string{"sign"}

	if opts != nil {
		if opts.Keystore != "" {
			args = append(args, "--ks", opts.Keystore)
		}

		if opts.KeystorePass != "" {
			args = append(args, "--ks-pass", "pass:"+opts.KeystorePass)
		}

		if opts.KeyAlias != "" {
			args = append(args, "--ks-key-alias", opts.KeyAlias)
		}

		if opts.Output != "" {
			args = append(args, "--out", opts.Output)
		}
	}

	args = append(args, name)

	var (
		buf = new(bytes.Buffer)
		//nolint:gosec
		cmd = exec.CommandContext(ctx, c.String(), args...)
	)

	cmd.Stdout = buf
	cmd.Stderr = buf

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("apksigner sign: %w: %s", err, buf.String())
	}

	return nil
}
