package packer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/droidpack/droidpack"
	"github.com/droidpack/droidpack/aapt"
	"github.com/droidpack/droidpack/apksigner"
	"github.com/droidpack/droidpack/internal/buildcache"
	"github.com/droidpack/droidpack/internal/depgraph"
	"github.com/droidpack/droidpack/internal/toolchain"
	"github.com/droidpack/droidpack/ndkbuild"
	"github.com/droidpack/droidpack/zipalign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

type indexInstaller struct{}

func (indexInstaller) Install(_ context.Context, constraints toolchain.Constraints, dir string) error {
	return toolchain.WriteIndex(dir, &toolchain.Index{
		APILevels:  []int{constraints.API},
		NDKVersion: constraints.NDKVersion,
		Archs:      constraints.Archs,
		BuildTools: "34.0.0",
		Installed:  time.Now().UTC(),
	})
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))

	return path
}

// stubTools are external tool stand-ins that produce deterministic
// bytes and count their invocations in countsDir.
func stubTools(t *testing.T, countsDir string) Tools {
	t.Helper()

	dir := t.TempDir()

	ndk := writeScript(t, dir, "ndk-build", fmt.Sprintf("echo run >> %q\nexit 0\n", filepath.Join(countsDir, "ndk-build")))

	aapt2 := writeScript(t, dir, "aapt2", fmt.Sprintf(`echo run >> %q
out=""; manifest=""; assets=""
while [ $# -gt 0 ]; do
	case "$1" in
	-o) out="$2"; shift 2 ;;
	--manifest) manifest="$2"; shift 2 ;;
	-A) assets="$2"; shift 2 ;;
	*) shift ;;
	esac
done
cat "$manifest" > "$out"
find "$assets" -type f | sort | while read -r f; do cat "$f" >> "$out"; done
`, filepath.Join(countsDir, "aapt2")))

	align := writeScript(t, dir, "zipalign", fmt.Sprintf(`echo run >> %q
cp "$3" "$4"
`, filepath.Join(countsDir, "zipalign")))

	signer := writeScript(t, dir, "apksigner", fmt.Sprintf(`echo run >> %q
out=""; in=""
while [ $# -gt 0 ]; do
	case "$1" in
	--out) out="$2"; shift 2 ;;
	--ks|--ks-pass|--ks-key-alias) shift 2 ;;
	sign) shift ;;
	*) in="$1"; shift ;;
	esac
done
printf 'SIGNED\n' > "$out"
cat "$in" >> "$out"
`, filepath.Join(countsDir, "apksigner")))

	return Tools{
		AAPT:      aapt.Command(aapt2),
		NDKBuild:  ndkbuild.Command(ndk),
		Zipalign:  zipalign.Command(align),
		APKSigner: apksigner.Command(signer),
	}
}

func invocations(t *testing.T, countsDir, tool string) int {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(countsDir, tool))
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)

	return strings.Count(string(data), "run")
}

func testSpec(t *testing.T) *droidpack.BuildSpec {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('resume')\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "resume.kv"), []byte("<Widget>\n"), 0o600))

	spec := &droidpack.BuildSpec{
		Title:             "Resume PDF Generator",
		PackageName:       "resumeapp",
		PackageDomain:     "org.test",
		Version:           "0.1",
		SourceDir:         dir,
		SourceIncludeExts: []string{"py", "kv"},
		Orientation:       "portrait",
		Requirements: []droidpack.Requirement{
			{Name: "kivy", Constraint: "==2.3.0"},
			{Name: "reportlab"},
		},
		Android: droidpack.AndroidTarget{
			API:         31,
			MinAPI:      21,
			NDKVersion:  "25.2.9519653",
			Archs:       []string{"arm64-v8a"},
			Permissions: []string{"WRITE_EXTERNAL_STORAGE"},
		},
	}
	require.NoError(t, droidpack.ValidateBuildSpec(spec))

	return spec
}

func newTestPacker(t *testing.T, countsDir string) *Packer {
	t.Helper()

	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() {
		_ = bucket.Close()
	})

	cache, err := buildcache.New(context.Background(), bucket, 0)
	require.NoError(t, err)

	return &Packer{
		Cache:      cache,
		Toolchains: toolchain.NewResolver(t.TempDir(), toolchain.WithInstaller(indexInstaller{})),
		Registry:   depgraph.DefaultRegistry(),
		Tools:      stubTools(t, countsDir),
		WorkDir:    t.TempDir(),
		OutputDir:  t.TempDir(),
	}
}

func TestBuildProducesSignedArtifact(t *testing.T) {
	var (
		counts = t.TempDir()
		packer = newTestPacker(t, counts)
		spec   = testSpec(t)
	)

	artifact, err := packer.Build(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, "resumeapp-0.1-release.apk", artifact.Name)
	assert.NotEmpty(t, artifact.Digest)
	assert.Equal(t, "25.2.9519653", artifact.Metadata.NDKVersion)
	assert.Equal(t, "2.3.0", artifact.Metadata.DependencyPins["kivy"])

	data, err := os.ReadFile(filepath.Join(packer.OutputDir, artifact.Name))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "SIGNED\n"))
	assert.Contains(t, string(data), "org.test.resumeapp")
	assert.Contains(t, string(data), "print('resume')")
}

func TestBuildCacheHitSkipsToolchainSteps(t *testing.T) {
	var (
		counts = t.TempDir()
		packer = newTestPacker(t, counts)
		spec   = testSpec(t)
	)

	first, err := packer.Build(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, 1, invocations(t, counts, "apksigner"))

	second, err := packer.Build(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, 1, invocations(t, counts, "ndk-build"), "cache hit must not recompile")
	assert.Equal(t, 1, invocations(t, counts, "apksigner"), "cache hit must not re-sign")
}

func TestBuildIsReproducible(t *testing.T) {
	// Two packers with independent caches and workspaces over the same
	// source tree and spec must produce byte-identical artifacts.
	var (
		spec = testSpec(t)
		one  = newTestPacker(t, t.TempDir())
		two  = newTestPacker(t, t.TempDir())
	)

	first, err := one.Build(context.Background(), spec)
	require.NoError(t, err)

	second, err := two.Build(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, first.Digest, second.Digest)
}

func TestBuildNoCacheRebuilds(t *testing.T) {
	var (
		counts = t.TempDir()
		packer = newTestPacker(t, counts)
		spec   = testSpec(t)
	)
	packer.NoCache = true

	_, err := packer.Build(context.Background(), spec)
	require.NoError(t, err)
	_, err = packer.Build(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, 2, invocations(t, counts, "apksigner"))
}

func TestBuildCompileFailureIsSurfacedAndNotCached(t *testing.T) {
	var (
		counts = t.TempDir()
		packer = newTestPacker(t, counts)
		spec   = testSpec(t)
	)

	broken := writeScript(t, t.TempDir(), "ndk-build", `echo 'undefined reference to kivy_core' >&2
exit 1
`)
	packer.Tools.NDKBuild = ndkbuild.Command(broken)

	_, err := packer.Build(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, droidpack.CategoryPackaging, droidpack.CategoryFromError(err))
	assert.Contains(t, err.Error(), "undefined reference to kivy_core")
	assert.Equal(t, 0, invocations(t, counts, "apksigner"), "signing must not run after a failed compile")

	// The failure must not have populated the cache.
	good := stubTools(t, counts)
	packer.Tools = good

	_, err = packer.Build(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 1, invocations(t, counts, "ndk-build"))
}

func TestBuildFailsWhenSignerProducesNoOutput(t *testing.T) {
	var (
		counts = t.TempDir()
		packer = newTestPacker(t, counts)
		spec   = testSpec(t)
	)

	// A signer that reports success without writing the signed package
	// must fail the build, not cache an artifact with no digest.
	silent := writeScript(t, t.TempDir(), "apksigner", "exit 0\n")
	packer.Tools.APKSigner = apksigner.Command(silent)

	_, err := packer.Build(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, droidpack.CategoryPackaging, droidpack.CategoryFromError(err))

	packer.Tools = stubTools(t, counts)

	artifact, err := packer.Build(context.Background(), spec)
	require.NoError(t, err)
	assert.NotEmpty(t, artifact.Digest)
	assert.Equal(t, 1, invocations(t, counts, "apksigner"), "the failed run must not have populated the cache")
}

func TestBuildCancellationInterruptsToolsAndCachesNothing(t *testing.T) {
	var (
		counts = t.TempDir()
		packer = newTestPacker(t, counts)
		spec   = testSpec(t)
	)

	blocked := writeScript(t, t.TempDir(), "ndk-build", "exec sleep 60\n")
	packer.Tools.NDKBuild = ndkbuild.Command(blocked)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := packer.Build(ctx, spec)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second, "cancellation must interrupt the blocked tool")
	assert.Equal(t, 0, invocations(t, counts, "apksigner"))

	packer.Tools = stubTools(t, counts)

	_, err = packer.Build(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 1, invocations(t, counts, "ndk-build"), "the cancelled run must not have populated the cache")
}

func TestBuildEmptyFileSetStillPackages(t *testing.T) {
	var (
		counts = t.TempDir()
		packer = newTestPacker(t, counts)
		spec   = testSpec(t)
	)
	spec.SourceExcludePatterns = []string{"*"}

	artifact, err := packer.Build(context.Background(), spec)
	require.NoError(t, err)
	assert.NotEmpty(t, artifact.Digest)
	assert.Equal(t, 1, invocations(t, counts, "aapt2"))
}

func TestBuildMinAPIAboveTargetFailsValidationBeforeResolution(t *testing.T) {
	spec := testSpec(t)
	spec.Android.API = 20
	spec.Android.MinAPI = 24

	err := droidpack.ValidateBuildSpec(spec)
	require.Error(t, err)
	assert.Equal(t, droidpack.CategoryValidation, droidpack.CategoryFromError(err))
	assert.Contains(t, err.Error(), "minapi 24 exceeds api 20")
}
