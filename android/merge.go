package android

import (
	"encoding/xml"
	"fmt"
	"sort"
)

// MergeInput carries everything the spec contributes to the native
// manifest: identity, sdk levels, declared permissions, and raw
// attribute overrides.
type MergeInput struct {
	Package       string
	VersionName   string
	VersionCode   int
	MinSDK        int
	TargetSDK     int
	Orientation   string
	Permissions   []string
	AttrOverrides map[string]string
}

// attrTarget names the manifest element an overridable attribute
// belongs to.
type attrTarget int

const (
	targetManifest attrTarget = iota
	targetApplication
	targetActivity
)

// overridableAttrs is the allow-list of attributes a spec may override.
// Structural attributes (package, xmlns, activity names) stay out so an
// override cannot break the manifest's shape.
var overridableAttrs = map[string]attrTarget{
	"android:versionName":          targetManifest,
	"android:versionCode":          targetManifest,
	"android:installLocation":      targetManifest,
	"android:allowBackup":          targetApplication,
	"android:hardwareAccelerated":  targetApplication,
	"android:icon":                 targetApplication,
	"android:label":                targetApplication,
	"android:theme":                targetApplication,
	"android:usesCleartextTraffic": targetApplication,
	"android:launchMode":           targetActivity,
	"android:screenOrientation":    targetActivity,
	"android:windowSoftInputMode":  targetActivity,
}

// Template returns the baseline native manifest every build starts
// from: a single launcher activity hosting the application.
func Template() *Manifest {
	return &Manifest{
		Application: ManifestApplication{
			Activities: []ManifestApplicationActivity{
				{
					IntentFilter: ManifestApplicationIntentFilter{
						Actions: []ManifestApplicationMetadata{
							{Attrs: []xml.Attr{Attr("android:name", "android.intent.action.MAIN")}},
						},
						Categories: []ManifestApplicationMetadata{
							{Attrs: []xml.Attr{Attr("android:name", "android.intent.category.LAUNCHER")}},
						},
					},
					Attrs: []xml.Attr{
						Attr("android:name", "org.kivy.android.PythonActivity"),
					},
				},
			},
		},
		Attrs: []xml.Attr{
			Attr("xmlns:android", XMLNS),
		},
	}
}

// Merge applies the spec's permissions and attribute overrides onto a
// template manifest. Permissions are deduplicated preserving first
// appearance; unknown identifiers and non-allow-listed overrides are
// rejected.
func Merge(tmpl *Manifest, in MergeInput) (*Manifest, error) {
	merged := *tmpl

	merged.Attrs = SetAttr(append([]xml.Attr{}, tmpl.Attrs...), "package", in.Package)
	merged.Attrs = SetAttr(merged.Attrs, "android:versionName", in.VersionName)
	merged.Attrs = SetAttr(merged.Attrs, "android:versionCode", fmt.Sprint(in.VersionCode))

	merged.UsesSDK = &ManifestUsesSDK{
		Attrs: []xml.Attr{
			Attr("android:minSdkVersion", fmt.Sprint(in.MinSDK)),
			Attr("android:targetSdkVersion", fmt.Sprint(in.TargetSDK)),
		},
	}

	seen := map[string]struct{}{}
	merged.UsesPermission = append([]ManifestUsesPermission{}, tmpl.UsesPermission...)
	for _, p := range merged.UsesPermission {
		seen[p.Name()] = struct{}{}
	}

	for _, p := range in.Permissions {
		if !IsKnownPermission(p) {
			return nil, &UnknownPermissionError{Permission: p}
		}

		normalized := NormalizePermission(p)
		if _, ok := seen[normalized]; ok {
			continue
		}

		seen[normalized] = struct{}{}
		merged.UsesPermission = append(merged.UsesPermission, ManifestUsesPermission{
			Attrs: []xml.Attr{Attr("android:name", normalized)},
		})
	}

	merged.Application.Attrs = append([]xml.Attr{}, tmpl.Application.Attrs...)
	merged.Application.Activities = append([]ManifestApplicationActivity{}, tmpl.Application.Activities...)

	if in.Orientation != "" && len(merged.Application.Activities) > 0 {
		merged.Application.Activities[0].Attrs = SetAttr(
			append([]xml.Attr{}, merged.Application.Activities[0].Attrs...),
			"android:screenOrientation", in.Orientation,
		)
	}

	for _, name := range sortedOverrideKeys(in.AttrOverrides) {
		target, ok := overridableAttrs[name]
		if !ok {
			return nil, fmt.Errorf("attribute %q is not overridable", name)
		}

		value := in.AttrOverrides[name]

		switch target {
		case targetManifest:
			merged.Attrs = SetAttr(merged.Attrs, name, value)
		case targetApplication:
			merged.Application.Attrs = SetAttr(merged.Application.Attrs, name, value)
		case targetActivity:
			if len(merged.Application.Activities) == 0 {
				return nil, fmt.Errorf("attribute %q targets an activity but the template has none", name)
			}

			merged.Application.Activities[0].Attrs = SetAttr(
				append([]xml.Attr{}, merged.Application.Activities[0].Attrs...),
				name, value,
			)
		}
	}

	return &merged, nil
}

// sortedOverrideKeys fixes the application order of overrides so a
// merged manifest is reproducible.
func sortedOverrideKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
