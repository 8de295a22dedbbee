package packer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/droidpack/droidpack"
	"github.com/droidpack/droidpack/aapt"
	"github.com/droidpack/droidpack/android"
	"github.com/droidpack/droidpack/apksigner"
	"github.com/droidpack/droidpack/internal/buildcache"
	"github.com/droidpack/droidpack/internal/depgraph"
	"github.com/droidpack/droidpack/internal/fileset"
	"github.com/droidpack/droidpack/internal/toolchain"
	"github.com/droidpack/droidpack/ndkbuild"
	"github.com/droidpack/droidpack/zipalign"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
)

// Tools are the external toolchain executables the engine orchestrates.
type Tools struct {
	AAPT      aapt.Command
	NDKBuild  ndkbuild.Command
	Zipalign  zipalign.Command
	APKSigner apksigner.Command
}

// DefaultTools finds every tool on the PATH.
func DefaultTools() Tools {
	return Tools{
		AAPT:      "aapt2",
		NDKBuild:  "ndk-build",
		Zipalign:  "zipalign",
		APKSigner: "apksigner",
	}
}

// Signing configures the terminal signing step.
type Signing struct {
	Keystore     string
	KeystorePass string
	KeyAlias     string
}

// Packer resolves a build spec's inputs and assembles the final
// artifact, consulting the build cache first.
type Packer struct {
	Cache      *buildcache.Cache
	Toolchains *toolchain.Resolver
	Registry   *depgraph.Registry
	Tools      Tools
	Signing    Signing
	// WorkDir hosts the scoped temporary workspaces builds run in.
	WorkDir string
	// OutputDir receives the final artifact.
	OutputDir string
	NoCache   bool
}

// Build runs the full pipeline for spec: resolve the file set,
// toolchain, and dependency graph concurrently, merge the native
// manifest, then return the cached artifact or build, sign, and cache a
// new one. The artifact is also exported to OutputDir.
func (p *Packer) Build(ctx context.Context, spec *droidpack.BuildSpec) (*droidpack.Artifact, error) {
	var (
		log    = logr.FromContextOrDiscard(ctx)
		files  *fileset.FileSet
		handle *toolchain.Handle
		graph  *depgraph.Graph
	)

	eg, egctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		var err error
		files, err = fileset.Resolve(egctx, fileset.ResolveOpts{
			Dir:             spec.SourceDir,
			IncludeExts:     spec.SourceIncludeExts,
			ExcludeDirs:     spec.SourceExcludeDirs,
			ExcludePatterns: spec.SourceExcludePatterns,
		})
		return err
	})

	eg.Go(func() error {
		var err error
		handle, err = p.Toolchains.Resolve(egctx, toolchain.Constraints{
			API:        spec.Android.API,
			MinAPI:     spec.Android.MinAPI,
			NDKVersion: spec.Android.NDKVersion,
			Archs:      spec.Android.Archs,
		})
		return err
	})

	eg.Go(func() error {
		var err error
		graph, err = depgraph.Resolve(spec.Requirements, p.Registry)
		return err
	})

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	version, err := effectiveVersion(spec, files)
	if err != nil {
		return nil, err
	}

	// Declared branding assets must exist in the source tree.
	for _, name := range []string{spec.Icon, spec.Presplash} {
		if name == "" {
			continue
		}

		if _, err := os.Stat(filepath.Join(files.Root, filepath.FromSlash(name))); err != nil {
			return nil, droidpack.ResolutionError(fmt.Errorf("declared asset %s: %w", name, err))
		}
	}

	merged, err := android.Merge(android.Template(), android.MergeInput{
		Package:       spec.PackageID(),
		VersionName:   version,
		VersionCode:   versionCode(version),
		MinSDK:        spec.Android.MinAPI,
		TargetSDK:     spec.Android.API,
		Orientation:   spec.Orientation,
		Permissions:   spec.Android.Permissions,
		AttrOverrides: spec.Android.ManifestAttrs,
	})
	if err != nil {
		return nil, droidpack.ValidationError(err)
	}

	key := cacheKey(spec, files, handle, graph)
	log = log.WithValues("key", key.Encoded()[:12])

	var (
		workspace string
		build     = func(ctx context.Context) (string, *droidpack.Artifact, error) {
			var err error
			workspace, err = p.assemble(ctx, spec, version, files, handle, graph, merged, key)
			if err != nil {
				return "", nil, err
			}

			built, err := p.artifact(spec, version, handle, graph, key, workspace)
			if err != nil {
				return "", nil, err
			}

			return filepath.Join(workspace, "app-release.apk"), built, nil
		}
	)
	defer func() {
		if workspace != "" {
			_ = os.RemoveAll(workspace)
		}
	}()

	var artifact *droidpack.Artifact

	if p.NoCache {
		log.Info("cache bypassed")

		name, a, err := build(ctx)
		if err != nil {
			return nil, err
		}

		artifact = a

		if err := p.export(name, artifact); err != nil {
			return nil, err
		}

		return artifact, nil
	}

	artifact, err = p.Cache.Do(ctx, key, build)
	if err != nil {
		return nil, err
	}

	if workspace == "" {
		log.Info("cache hit")
	}

	if p.OutputDir != "" {
		if err := os.MkdirAll(p.OutputDir, 0o755); err != nil {
			return nil, err
		}

		if err := p.Cache.Export(ctx, key, filepath.Join(p.OutputDir, artifact.Name)); err != nil {
			return nil, err
		}
	}

	return artifact, nil
}

// assemble runs the external toolchain steps inside a scoped workspace.
// The workspace is returned for the caller to clean up after the
// artifact has been promoted; nothing outside it is touched on failure.
func (p *Packer) assemble(ctx context.Context, spec *droidpack.BuildSpec, version string, files *fileset.FileSet, handle *toolchain.Handle, graph *depgraph.Graph, merged *android.Manifest, key digest.Digest) (string, error) {
	log := logr.FromContextOrDiscard(ctx)

	workspace := filepath.Join(p.WorkDir, uuid.NewString())
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", err
	}

	fail := func(err error) (string, error) {
		_ = os.RemoveAll(workspace)
		return "", err
	}

	if err := stageFiles(workspace, files); err != nil {
		return fail(err)
	}

	manifestPath := filepath.Join(workspace, android.AndroidManifestName)

	mf, err := os.Create(manifestPath)
	if err != nil {
		return fail(err)
	}

	if err := android.EncodeManifest(mf, merged); err != nil {
		_ = mf.Close()
		return fail(err)
	}

	if err := mf.Close(); err != nil {
		return fail(err)
	}

	// Per-architecture native builds are independent; the packaging
	// steps after them are not.
	eg, egctx := errgroup.WithContext(ctx)
	for _, arch := range handle.Archs {
		eg.Go(func() error {
			log.Info("compiling", "arch", arch)

			if err := p.Tools.NDKBuild.Build(egctx, &ndkbuild.BuildOpts{
				ProjectDir: workspace,
				Arch:       arch,
				APILevel:   handle.API,
				OutputDir:  filepath.Join(workspace, "libs"),
			}); err != nil {
				return droidpack.CompileError(err)
			}

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return fail(err)
	}

	unaligned := filepath.Join(workspace, "app-unaligned.apk")

	log.Info("packaging", "requirements", len(graph.Order))

	if err := p.Tools.AAPT.Link(ctx, &aapt.LinkOpts{
		ManifestPath: manifestPath,
		AssetsDir:    filepath.Join(workspace, "assets"),
		AndroidJar:   handle.AndroidJar(),
		MinSDK:       spec.Android.MinAPI,
		TargetSDK:    spec.Android.API,
		VersionCode:  versionCode(version),
		VersionName:  version,
		Output:       unaligned,
	}); err != nil {
		return fail(droidpack.PackagingError(err))
	}

	aligned := filepath.Join(workspace, "app-aligned.apk")

	if err := p.Tools.Zipalign.Align(ctx, unaligned, aligned); err != nil {
		return fail(droidpack.PackagingError(err))
	}

	// Signing is the single terminal step over the combined output.
	signed := filepath.Join(workspace, "app-release.apk")

	log.Info("signing")

	if err := p.Tools.APKSigner.Sign(ctx, aligned, &apksigner.SignOpts{
		Keystore:     p.Signing.Keystore,
		KeystorePass: p.Signing.KeystorePass,
		KeyAlias:     p.Signing.KeyAlias,
		Output:       signed,
	}); err != nil {
		return fail(droidpack.SigningError(err))
	}

	return workspace, nil
}

// artifact digests the signed package and records how it was built. A
// package that cannot be read back fails the build; a half-populated
// artifact must never reach the cache.
func (p *Packer) artifact(spec *droidpack.BuildSpec, version string, handle *toolchain.Handle, graph *depgraph.Graph, key digest.Digest, workspace string) (*droidpack.Artifact, error) {
	name := filepath.Join(workspace, "app-release.apk")

	f, err := os.Open(name)
	if err != nil {
		return nil, droidpack.PackagingError(fmt.Errorf("signed package: %w", err))
	}
	defer f.Close()

	dgst, err := digest.FromReader(f)
	if err != nil {
		return nil, droidpack.PackagingError(fmt.Errorf("digest signed package: %w", err))
	}

	info, err := f.Stat()
	if err != nil {
		return nil, droidpack.PackagingError(err)
	}

	return &droidpack.Artifact{
		Name:   fmt.Sprintf("%s-%s-release.apk", spec.PackageName, version),
		Digest: dgst,
		Size:   info.Size(),
		Metadata: droidpack.ArtifactMetadata{
			InputsDigest:   key,
			Built:          time.Now().UTC(),
			ToolchainID:    handle.ID,
			APILevel:       handle.API,
			MinAPILevel:    handle.MinAPI,
			NDKVersion:     handle.NDKVersion,
			BuildTools:     handle.BuildTools,
			Archs:          handle.Archs,
			DependencyPins: graph.Pins(),
		},
	}, nil
}

func (p *Packer) export(name string, artifact *droidpack.Artifact) error {
	if p.OutputDir == "" {
		return nil
	}

	if err := os.MkdirAll(p.OutputDir, 0o755); err != nil {
		return err
	}

	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(filepath.Join(p.OutputDir, artifact.Name))
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}

	return dst.Close()
}

// stageFiles lays the resolved file set out under the workspace:
// sources under assets/private, everything else under assets. The
// assets directory is created even for an empty file set so packaging
// always has it to link against.
func stageFiles(workspace string, files *fileset.FileSet) error {
	if err := os.MkdirAll(filepath.Join(workspace, "assets"), 0o755); err != nil {
		return err
	}

	for _, f := range files.Files {
		sub := "assets"
		if f.Category == fileset.CategorySource {
			sub = filepath.Join("assets", "private")
		}

		dst := filepath.Join(workspace, sub, filepath.FromSlash(f.Rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}

		if err := copyFile(f.Path, dst); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}

// cacheKey fingerprints every input that affects the artifact.
func cacheKey(spec *droidpack.BuildSpec, files *fileset.FileSet, handle *toolchain.Handle, graph *depgraph.Graph) digest.Digest {
	return digest.FromString(strings.Join([]string{
		spec.Fingerprint().String(),
		files.Fingerprint().String(),
		handle.ID,
		graph.Fingerprint().String(),
	}, "\n"))
}

// effectiveVersion returns the spec's version, deriving it from the
// declared version file when a version regex is set.
func effectiveVersion(spec *droidpack.BuildSpec, files *fileset.FileSet) (string, error) {
	if spec.VersionRegex == "" {
		return spec.Version, nil
	}

	re, err := regexp.Compile(spec.VersionRegex)
	if err != nil {
		return "", droidpack.ValidationError(err)
	}

	data, err := os.ReadFile(filepath.Join(files.Root, filepath.FromSlash(spec.VersionFile)))
	if err != nil {
		return "", droidpack.ResolutionError(fmt.Errorf("version file: %w", err))
	}

	matches := re.FindSubmatch(data)
	if len(matches) < 2 {
		return "", droidpack.ResolutionError(fmt.Errorf("version regex %q matched nothing in %s", spec.VersionRegex, spec.VersionFile))
	}

	return string(matches[1]), nil
}

// versionCode derives a monotonic integer code from a dotted version.
func versionCode(version string) int {
	code := 0
	for i, part := range strings.SplitN(version, ".", 3) {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			break
		}

		code += n * []int{10000, 100, 1}[i]
	}

	if code <= 0 {
		code = 1
	}

	return code
}
