package droidpack

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	xslice "github.com/frantjc/x/slice"
	"gopkg.in/ini.v1"
)

// Defaults applied for fields absent from the spec. A field that is
// present but malformed is reported, never silently defaulted.
const (
	DefaultAPI        = 31
	DefaultMinAPI     = 21
	DefaultNDKVersion = "25.2.9519653"
)

var (
	DefaultArchs       = []string{"arm64-v8a", "armeabi-v7a"}
	DefaultIncludeExts = []string{"py", "png", "jpg", "kv", "atlas"}
)

const manifestAttrPrefix = "android.manifest."

// DecodeBuildSpec parses the INI-style key/value spec into a typed
// BuildSpec, applying defaults for absent fields and collecting a type
// error for every malformed field. Unknown keys are preserved in Extra.
func DecodeBuildSpec(r io.Reader) (*BuildSpec, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	file, err := ini.LoadSources(ini.LoadOptions{}, data)
	if err != nil {
		return nil, ValidationError(err)
	}

	var (
		errs = []error{}
		spec = &BuildSpec{
			SourceDir:         ".",
			SourceIncludeExts: DefaultIncludeExts,
			Orientation:       "portrait",
			Android: AndroidTarget{
				API:           DefaultAPI,
				MinAPI:        DefaultMinAPI,
				NDKVersion:    DefaultNDKVersion,
				Archs:         DefaultArchs,
				ManifestAttrs: map[string]string{},
			},
			Extra: map[string]string{},
		}
	)

	for _, section := range file.Sections() {
		if name := section.Name(); name != "app" && name != ini.DefaultSection {
			// Platform-specific sections other than [app] are kept
			// whole as passthrough attributes.
			for _, key := range section.Keys() {
				spec.Extra[name+"."+key.Name()] = key.String()
			}

			continue
		}

		for _, key := range section.Keys() {
			var (
				name  = key.Name()
				value = strings.TrimSpace(key.String())
			)

			switch name {
			case "title":
				spec.Title = value
			case "package.name":
				spec.PackageName = value
			case "package.domain":
				spec.PackageDomain = value
			case "version":
				spec.Version = value
			case "version.regex":
				spec.VersionRegex = value
			case "version.filename":
				spec.VersionFile = value
			case "source.dir":
				spec.SourceDir = value
			case "source.include_exts":
				spec.SourceIncludeExts = splitList(value)
			case "source.exclude_dirs":
				spec.SourceExcludeDirs = splitList(value)
			case "source.exclude_patterns":
				spec.SourceExcludePatterns = splitList(value)
			case "icon.filename":
				spec.Icon = value
			case "presplash.filename":
				spec.Presplash = value
			case "orientation":
				spec.Orientation = value
			case "fullscreen":
				fullscreen, err := ParseBool(value)
				if err != nil {
					errs = append(errs, fmt.Errorf("fullscreen: %w", err))
					continue
				}

				spec.Fullscreen = fullscreen
			case "requirements":
				spec.Requirements = xslice.Map(splitList(value), func(s string, _ int) Requirement {
					return parseRequirement(s)
				})
			case "android.api":
				api, err := parseAPILevel(value)
				if err != nil {
					errs = append(errs, fmt.Errorf("android.api: %w", err))
					spec.Android.API = -1
					continue
				}

				spec.Android.API = api
			case "android.minapi":
				minAPI, err := parseAPILevel(value)
				if err != nil {
					errs = append(errs, fmt.Errorf("android.minapi: %w", err))
					spec.Android.MinAPI = -1
					continue
				}

				spec.Android.MinAPI = minAPI
			case "android.ndk":
				spec.Android.NDKVersion = value
			case "android.archs":
				spec.Android.Archs = splitList(value)
			case "android.permissions":
				spec.Android.Permissions = splitList(value)
			default:
				if strings.HasPrefix(name, manifestAttrPrefix) {
					spec.Android.ManifestAttrs[strings.TrimPrefix(name, manifestAttrPrefix)] = value
					continue
				}

				spec.Extra[name] = value
			}
		}
	}

	return spec, ValidationError(errors.Join(errs...))
}

// LoadBuildSpec decodes and validates a spec in one step, reporting
// every offending field.
func LoadBuildSpec(r io.Reader) (*BuildSpec, error) {
	spec, err := DecodeBuildSpec(r)
	if err != nil {
		return nil, err
	}

	if err := ValidateBuildSpec(spec); err != nil {
		return nil, err
	}

	return spec, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}

	return xslice.Filter(xslice.Map(strings.Split(s, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}), func(s string, _ int) bool {
		return s != ""
	})
}

func parseRequirement(s string) Requirement {
	for _, op := range []string{"==", ">=", "<="} {
		if i := strings.Index(s, op); i >= 0 {
			return Requirement{Name: s[:i], Constraint: s[i:]}
		}
	}

	return Requirement{Name: s}
}

func parseAPILevel(s string) (int, error) {
	level, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", s)
	}

	if level < 0 {
		return 0, fmt.Errorf("negative api level: %d", level)
	}

	return level, nil
}
