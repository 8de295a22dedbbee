package droidpack

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	xslice "github.com/frantjc/x/slice"
	"github.com/opencontainers/go-digest"
)

// BuildSpec is the validated, immutable form of a declarative build spec.
// It is created once per build invocation by DecodeBuildSpec/LoadBuildSpec
// and never mutated afterwards.
type BuildSpec struct {
	Title         string
	PackageName   string
	PackageDomain string
	Version       string
	// VersionRegex, when set, derives Version from the first capture
	// group matched against the contents of VersionFile.
	VersionRegex string
	VersionFile  string

	SourceDir             string
	SourceIncludeExts     []string
	SourceExcludeDirs     []string
	SourceExcludePatterns []string

	Icon      string
	Presplash string

	Orientation string
	Fullscreen  bool

	Requirements []Requirement

	Android AndroidTarget

	// Extra holds unknown keys preserved as passthrough attributes.
	Extra map[string]string
}

// Requirement is a declared runtime package requirement, e.g. kivy==2.3.0.
type Requirement struct {
	Name       string
	Constraint string
}

func (r Requirement) String() string {
	return r.Name + r.Constraint
}

// AndroidTarget holds the Android-specific target parameters of a BuildSpec.
type AndroidTarget struct {
	API         int
	MinAPI      int
	NDKVersion  string
	Archs       []string
	Permissions []string
	// ManifestAttrs are raw AndroidManifest.xml attribute overrides,
	// keyed by attribute name, applied last-write-wins onto the template.
	ManifestAttrs map[string]string
}

// PackageID returns the reverse-domain application identifier.
func (s *BuildSpec) PackageID() string {
	return s.PackageDomain + "." + s.PackageName
}

var (
	// KnownArchs enumerates the Android ABIs a build may target.
	KnownArchs = []string{"armeabi-v7a", "arm64-v8a", "x86", "x86_64"}

	// KnownOrientations enumerates the accepted display orientations.
	KnownOrientations = []string{"portrait", "landscape", "all", "sensor"}

	// TruthyTokens and FalsyTokens are the accepted spellings for
	// boolean-valued spec fields.
	TruthyTokens = []string{"1", "y", "yes", "true", "t"}
	FalsyTokens  = []string{"0", "n", "no", "false", "f"}

	identifierSegment = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// ParseBool interprets a spec boolean token. The token set is fixed;
// anything else is an error.
func ParseBool(s string) (bool, error) {
	match := func(t string, _ int) bool {
		return strings.EqualFold(t, s)
	}

	switch {
	case xslice.Some(TruthyTokens, match):
		return true, nil
	case xslice.Some(FalsyTokens, match):
		return false, nil
	}

	return false, fmt.Errorf("not a boolean token: %q", s)
}

// ValidateBuildSpec checks every cross-field constraint and reports all
// violations at once, wrapped as a validation error.
func ValidateBuildSpec(spec *BuildSpec) error {
	errs := []error{}

	if spec.Title == "" {
		errs = append(errs, errors.New("title must not be empty"))
	}

	if !identifierSegment.MatchString(spec.PackageName) {
		errs = append(errs, fmt.Errorf("invalid package name %q", spec.PackageName))
	}

	for _, segment := range strings.Split(spec.PackageDomain, ".") {
		if !identifierSegment.MatchString(segment) {
			errs = append(errs, fmt.Errorf("invalid package domain %q", spec.PackageDomain))
			break
		}
	}

	if spec.Version == "" && spec.VersionRegex == "" {
		errs = append(errs, errors.New("one of version or version regex must be set"))
	}

	if spec.VersionRegex != "" {
		if spec.VersionFile == "" {
			errs = append(errs, errors.New("version regex requires a version filename"))
		}

		if _, err := regexp.Compile(spec.VersionRegex); err != nil {
			errs = append(errs, fmt.Errorf("invalid version regex: %w", err))
		}
	}

	if spec.SourceDir == "" {
		errs = append(errs, errors.New("source dir must not be empty"))
	}

	if len(spec.SourceIncludeExts) == 0 {
		errs = append(errs, errors.New("source include exts must not be empty"))
	}

	if spec.Android.API < 0 {
		errs = append(errs, fmt.Errorf("android api must be non-negative, got %d", spec.Android.API))
	}

	if spec.Android.MinAPI < 0 {
		errs = append(errs, fmt.Errorf("android minapi must be non-negative, got %d", spec.Android.MinAPI))
	}

	if spec.Android.API >= 0 && spec.Android.MinAPI >= 0 && spec.Android.MinAPI > spec.Android.API {
		errs = append(errs, fmt.Errorf("android minapi %d exceeds api %d", spec.Android.MinAPI, spec.Android.API))
	}

	if len(spec.Android.Archs) == 0 {
		errs = append(errs, errors.New("android archs must not be empty"))
	}

	for _, arch := range spec.Android.Archs {
		if !xslice.Includes(KnownArchs, arch) {
			errs = append(errs, fmt.Errorf("unknown arch %q, must be one of %s", arch, strings.Join(KnownArchs, ", ")))
		}
	}

	if spec.Orientation != "" && !xslice.Includes(KnownOrientations, spec.Orientation) {
		errs = append(errs, fmt.Errorf("unknown orientation %q, must be one of %s", spec.Orientation, strings.Join(KnownOrientations, ", ")))
	}

	for _, req := range spec.Requirements {
		if req.Name == "" {
			errs = append(errs, errors.New("requirement with empty name"))
		}
	}

	return ValidationError(errors.Join(errs...))
}

// Fingerprint digests every output-affecting field of the spec. Identical
// specs always fingerprint identically, which the build cache relies on.
func (s *BuildSpec) Fingerprint() digest.Digest {
	var sb strings.Builder

	writeKV := func(k, v string) {
		fmt.Fprintf(&sb, "%s=%s\n", k, v)
	}

	writeKV("title", s.Title)
	writeKV("package", s.PackageID())
	writeKV("version", s.Version)
	writeKV("version.regex", s.VersionRegex)
	writeKV("version.filename", s.VersionFile)
	writeKV("source.dir", s.SourceDir)
	writeKV("source.include_exts", strings.Join(s.SourceIncludeExts, ","))
	writeKV("source.exclude_dirs", strings.Join(s.SourceExcludeDirs, ","))
	writeKV("source.exclude_patterns", strings.Join(s.SourceExcludePatterns, ","))
	writeKV("icon", s.Icon)
	writeKV("presplash", s.Presplash)
	writeKV("orientation", s.Orientation)
	writeKV("fullscreen", fmt.Sprint(s.Fullscreen))
	writeKV("requirements", strings.Join(xslice.Map(s.Requirements, func(r Requirement, _ int) string {
		return r.String()
	}), ","))
	writeKV("android.api", fmt.Sprint(s.Android.API))
	writeKV("android.minapi", fmt.Sprint(s.Android.MinAPI))
	writeKV("android.ndk", s.Android.NDKVersion)
	writeKV("android.archs", strings.Join(s.Android.Archs, ","))
	writeKV("android.permissions", strings.Join(s.Android.Permissions, ","))

	for _, k := range sortedKeys(s.Android.ManifestAttrs) {
		writeKV("android.manifest."+k, s.Android.ManifestAttrs[k])
	}

	for _, k := range sortedKeys(s.Extra) {
		writeKV("extra."+k, s.Extra[k])
	}

	return digest.FromString(sb.String())
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
