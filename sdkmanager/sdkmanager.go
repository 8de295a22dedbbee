package sdkmanager

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os/exec"
)

// Install finds `sdkmanager` on the PATH and runs Install against it.
// See Command.Install.
func Install(ctx context.Context, opts *InstallOpts, packages ...string) error {
	return Command("sdkmanager").Install(ctx, opts, packages...)
}

// Command represents the path to an `sdkmanager` executable.
type Command string

func (c Command) String() string {
	return string(c)
}

// InstallOpts represent flags that can be passed to `sdkmanager`.
type InstallOpts struct {
	SDKRoot string
	// Proxy is an http(s) proxy URL, typically taken from the
	// HTTPS_PROXY environment variable.
	Proxy string
}

// Install executes `sdkmanager` to download and install the given
// packages, e.g. "platforms;android-31" or "ndk;25.2.9519653", under
// opts.SDKRoot. The tool's combined output is attached to any error.
func (c Command) Install(ctx context.Context, opts *InstallOpts, packages ...string) error {
	args := []string{}

	if opts != nil {
		if opts.SDKRoot != "" {
			args = append(args, "--sdk_root="+opts.SDKRoot)
		}

		if opts.Proxy != "" {
			proxy, err := url.Parse(opts.Proxy)
			if err != nil {
				return fmt.Errorf("sdkmanager: parse proxy: %w", err)
			}

			args = append(args,
				"--proxy="+proxy.Scheme,
				"--proxy_host="+proxy.Hostname(),
				"--proxy_port="+proxy.Port(),
			)
		}
	}

	args = append(args, packages...)

	var (
		buf = new(bytes.Buffer)
		//nolint:gosec
		cmd = exec.CommandContext(ctx, c.String(), args...)
	)

	cmd.Stdout = buf
	cmd.Stderr = buf

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sdkmanager: %w: %s", err, buf.String())
	}

	return nil
}
