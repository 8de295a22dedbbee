package command

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/droidpack/droidpack"
	"github.com/droidpack/droidpack/internal/buildcache"
	"github.com/droidpack/droidpack/internal/depgraph"
	"github.com/droidpack/droidpack/internal/packer"
	"github.com/droidpack/droidpack/internal/toolchain"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"gocloud.dev/blob"
)

const registryName = "requirements.yaml"

// NewBuild returns the command that packages a build spec into a
// signed .apk.
func NewBuild() *cobra.Command {
	var (
		platform      string
		clean         bool
		noCache       bool
		cacheDir      string
		toolchainRoot string
		outputDir     string
		workDir       string
		keystore      string
		keystorePass  string
		keyAlias      string
		cmd           = &cobra.Command{
			Use:  "build <spec-path>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var (
					ctx = cmd.Context()
					log = logr.FromContextOrDiscard(ctx)
				)

				if platform != "android" {
					return droidpack.ValidationError(fmt.Errorf("unsupported platform %q", platform))
				}

				specPath, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}

				f, err := os.Open(specPath)
				if err != nil {
					return droidpack.ValidationError(err)
				}

				spec, err := droidpack.DecodeBuildSpec(f)
				if cerr := f.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					return err
				}

				// Source selection is relative to the spec file.
				if !filepath.IsAbs(spec.SourceDir) {
					spec.SourceDir = filepath.Join(filepath.Dir(specPath), spec.SourceDir)
				}

				if err := droidpack.ValidateBuildSpec(spec); err != nil {
					return err
				}

				cacheDir, err := filepath.Abs(cacheDir)
				if err != nil {
					return err
				}

				log.Info("opening build cache " + cacheDir)

				bucket, err := blob.OpenBucket(ctx, "file://"+filepath.ToSlash(cacheDir)+"?create_dir=true")
				if err != nil {
					return err
				}
				defer bucket.Close()

				cache, err := buildcache.New(ctx, bucket, 0)
				if err != nil {
					return err
				}

				if clean {
					log.Info("cleaning build cache")

					if err := cache.Clean(ctx); err != nil {
						return err
					}
				}

				registry := depgraph.DefaultRegistry()
				if name := filepath.Join(toolchainRoot, registryName); exists(name) {
					log.Info("using registry snapshot " + name)

					registry, err = depgraph.LoadRegistry(name)
					if err != nil {
						return droidpack.ResolutionError(err)
					}
				}

				proxy := envOr("HTTPS_PROXY", os.Getenv("HTTP_PROXY"))

				p := &packer.Packer{
					Cache:      cache,
					Toolchains: toolchain.NewResolver(toolchainRoot, toolchain.WithSDKManager("sdkmanager", proxy)),
					Registry:   registry,
					Tools:      packer.DefaultTools(),
					Signing: packer.Signing{
						Keystore:     keystore,
						KeystorePass: keystorePass,
						KeyAlias:     keyAlias,
					},
					WorkDir:   workDir,
					OutputDir: outputDir,
					NoCache:   noCache,
				}

				artifact, err := p.Build(ctx, spec)
				if err != nil {
					return fmt.Errorf("building %s: %w", spec.PackageID(), err)
				}

				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", filepath.Join(outputDir, artifact.Name), artifact.Digest)

				return err
			},
		}
	)

	home, _ := os.UserHomeDir()

	cmd.Flags().StringVar(&platform, "platform", "android", "Target platform.")
	cmd.Flags().BoolVar(&clean, "clean", false, "Wipe the build cache before building.")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Bypass the build cache entirely.")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", envOr("DROIDPACK_CACHE", filepath.Join(home, ".droidpack", "cache")), "Build cache directory.")
	cmd.Flags().StringVar(&toolchainRoot, "toolchain-root", envOr("DROIDPACK_HOME", filepath.Join(home, ".droidpack", "toolchains")), "Toolchain registry directory.")
	cmd.Flags().StringVar(&outputDir, "output", "bin", "Directory to write the final artifact to.")
	cmd.Flags().StringVar(&workDir, "work-dir", os.TempDir(), "Directory to host scoped build workspaces.")
	cmd.Flags().StringVar(&keystore, "keystore", os.Getenv("DROIDPACK_KEYSTORE"), "Keystore to sign with.")
	cmd.Flags().StringVar(&keystorePass, "keystore-pass", os.Getenv("DROIDPACK_KEYSTORE_PASS"), "Keystore passphrase.")
	cmd.Flags().StringVar(&keyAlias, "key-alias", os.Getenv("DROIDPACK_KEY_ALIAS"), "Key alias to sign with.")

	return cmd
}

func exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}
