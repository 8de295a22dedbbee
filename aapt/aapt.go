package aapt

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Link finds `aapt2` on the PATH and runs Link against it.
// See Command.Link.
func Link(ctx context.Context, opts *LinkOpts) error {
	return Command("aapt2").Link(ctx, opts)
}

// Command represents the path to an `aapt2` executable.
type Command string

func (c Command) String() string {
	return string(c)
}

// LinkOpts represent flags that can be passed to `aapt2 link`.
type LinkOpts struct {
	ManifestPath string
	AssetsDir    string
	ResourcesDir string
	AndroidJar   string
	MinSDK       int
	TargetSDK    int
	VersionCode  int
	VersionName  string
	Output       string
}

// Link executes `aapt2 link` against the aapt2 found at Command,
// packaging the manifest, resources, and assets into an unaligned,
// unsigned .apk at opts.Output. The tool's combined output is attached
// to any error.
func (c Command) Link(ctx context.Context, opts *LinkOpts) error {
	args := []string{"link"}

	if opts != nil {
		if opts.ManifestPath != "" {
			args = append(args, "--manifest", opts.ManifestPath)
		}

		if opts.AssetsDir != "" {
			args = append(args, "-A", opts.AssetsDir)
		}

		if opts.ResourcesDir != "" {
			args = append(args, "-R", opts.ResourcesDir)
		}

		if opts.AndroidJar != "" {
			args = append(args, "-I", opts.AndroidJar)
		}

		if opts.MinSDK > 0 {
			args = append(args, "--min-sdk-version", fmt.Sprint(opts.MinSDK))
		}

		if opts.TargetSDK > 0 {
			args = append(args, "--target-sdk-version", fmt.Sprint(opts.TargetSDK))
		}

		if opts.VersionCode > 0 {
			args = append(args, "--version-code", fmt.Sprint(opts.VersionCode))
		}

		if opts.VersionName != "" {
			args = append(args, "--version-name", opts.VersionName)
		}

		if opts.Output != "" {
			args = append(args, "-o", opts.Output)
		}
	}

	var (
		buf = new(bytes.Buffer)
		//nolint:gosec
		cmd = exec.CommandContext(ctx, c.String(), args...)
	)

	cmd.Stdout = buf
	cmd.Stderr = buf

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("aapt2 link: %w: %s", err, buf.String())
	}

	return nil
}
