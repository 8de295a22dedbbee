package ndkbuild

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Build finds `ndk-build` on the PATH and runs Build against it.
// See Command.Build.
func Build(ctx context.Context, opts *BuildOpts) error {
	return Command("ndk-build").Build(ctx, opts)
}

// Command represents the path to an `ndk-build` executable.
type Command string

func (c Command) String() string {
	return string(c)
}

// BuildOpts represent make variables passed to `ndk-build`.
type BuildOpts struct {
	ProjectDir string
	Arch       string
	APILevel   int
	OutputDir  string
}

// Build executes `ndk-build` for a single target ABI. The tool's
// combined output is attached to any error.
func (c Command) Build(ctx context.Context, opts *BuildOpts) error {
	args := []string{}

	if opts != nil {
		if opts.ProjectDir != "" {
			args = append(args, "NDK_PROJECT_PATH="+opts.ProjectDir)
		}

		if opts.Arch != "" {
			args = append(args, "APP_ABI="+opts.Arch)
		}

		if opts.APILevel > 0 {
			args = append(args, fmt.Sprintf("APP_PLATFORM=android-%d", opts.APILevel))
		}

		if opts.OutputDir != "" {
			args = append(args, "NDK_LIBS_OUT="+opts.OutputDir)
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
		return fmt.Errorf("ndk-build: %w: %s", err, buf.String())
	}

	return nil
}
