package droidpack_test

import (
	"strings"
	"testing"

	"github.com/droidpack/droidpack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const specText = `# resume app build spec
[app]
title = Resume PDF Generator
package.name = resumeapp
package.domain = org.test
version = 0.1
source.dir = .
source.include_exts = py,png,jpg,kv,atlas
source.exclude_dirs = tests, bin
source.exclude_patterns = *.pyc, license*
requirements = python3,kivy==2.3.0,reportlab
orientation = portrait
fullscreen = 0
icon.filename = icon.png

android.api = 31
android.minapi = 21
android.ndk = 25.2.9519653
android.archs = arm64-v8a, armeabi-v7a
android.permissions = WRITE_EXTERNAL_STORAGE,READ_EXTERNAL_STORAGE
android.manifest.android:label = Resume PDF Generator
p4a.bootstrap = sdl2
`

func TestLoadBuildSpec(t *testing.T) {
	spec, err := droidpack.LoadBuildSpec(strings.NewReader(specText))
	require.NoError(t, err)

	assert.Equal(t, "Resume PDF Generator", spec.Title)
	assert.Equal(t, "org.test.resumeapp", spec.PackageID())
	assert.Equal(t, "0.1", spec.Version)
	assert.Equal(t, []string{"tests", "bin"}, spec.SourceExcludeDirs)
	assert.Equal(t, []string{"*.pyc", "license*"}, spec.SourceExcludePatterns)
	assert.Equal(t, 31, spec.Android.API)
	assert.Equal(t, 21, spec.Android.MinAPI)
	assert.Equal(t, []string{"arm64-v8a", "armeabi-v7a"}, spec.Android.Archs)
	assert.False(t, spec.Fullscreen)

	require.Len(t, spec.Requirements, 3)
	assert.Equal(t, droidpack.Requirement{Name: "kivy", Constraint: "==2.3.0"}, spec.Requirements[1])

	// Unknown keys are preserved as passthrough, not rejected.
	assert.Equal(t, "sdl2", spec.Extra["p4a.bootstrap"])

	// android.manifest.* keys become attribute overrides.
	assert.Equal(t, "Resume PDF Generator", spec.Android.ManifestAttrs["android:label"])
}

func TestLoadBuildSpecIsDeterministic(t *testing.T) {
	first, err := droidpack.LoadBuildSpec(strings.NewReader(specText))
	require.NoError(t, err)
	second, err := droidpack.LoadBuildSpec(strings.NewReader(specText))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())
}

func TestLoadBuildSpecAppliesDefaults(t *testing.T) {
	spec, err := droidpack.LoadBuildSpec(strings.NewReader(`[app]
title = Minimal
package.name = minimal
package.domain = org.test
version = 1.0
`))
	require.NoError(t, err)

	assert.Equal(t, droidpack.DefaultAPI, spec.Android.API)
	assert.Equal(t, droidpack.DefaultMinAPI, spec.Android.MinAPI)
	assert.Equal(t, droidpack.DefaultNDKVersion, spec.Android.NDKVersion)
	assert.Equal(t, droidpack.DefaultArchs, spec.Android.Archs)
	assert.Equal(t, droidpack.DefaultIncludeExts, spec.SourceIncludeExts)
}

func TestLoadBuildSpecMinAPIAboveTarget(t *testing.T) {
	_, err := droidpack.LoadBuildSpec(strings.NewReader(`[app]
title = Broken
package.name = broken
package.domain = org.test
version = 1.0
android.api = 20
android.minapi = 24
`))
	require.Error(t, err)
	assert.Equal(t, droidpack.CategoryValidation, droidpack.CategoryFromError(err))
	assert.Contains(t, err.Error(), "minapi 24 exceeds api 20")
}

func TestLoadBuildSpecReportsEveryViolation(t *testing.T) {
	_, err := droidpack.LoadBuildSpec(strings.NewReader(`[app]
title =
package.name = Not-Valid
package.domain = org.test
version = 1.0
android.archs = mips
`))
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "title")
	assert.Contains(t, msg, "Not-Valid")
	assert.Contains(t, msg, "mips")
}

func TestDecodeBuildSpecCollectsTypeErrors(t *testing.T) {
	_, err := droidpack.DecodeBuildSpec(strings.NewReader(`[app]
title = App
package.name = app
package.domain = org.test
version = 1.0
android.api = thirty-one
android.minapi = -3
fullscreen = maybe
`))
	require.Error(t, err)
	assert.Equal(t, droidpack.CategoryValidation, droidpack.CategoryFromError(err))

	msg := err.Error()
	assert.Contains(t, msg, "android.api")
	assert.Contains(t, msg, "android.minapi")
	assert.Contains(t, msg, "fullscreen")
}

func TestParseBoolTokens(t *testing.T) {
	for _, token := range droidpack.TruthyTokens {
		v, err := droidpack.ParseBool(token)
		require.NoError(t, err)
		assert.True(t, v)
	}

	for _, token := range droidpack.FalsyTokens {
		v, err := droidpack.ParseBool(token)
		require.NoError(t, err)
		assert.False(t, v)
	}

	_, err := droidpack.ParseBool("enabled")
	assert.Error(t, err)
}

func TestFingerprintChangesWithOutputAffectingFields(t *testing.T) {
	first, err := droidpack.LoadBuildSpec(strings.NewReader(specText))
	require.NoError(t, err)

	second, err := droidpack.LoadBuildSpec(strings.NewReader(strings.Replace(specText, "android.api = 31", "android.api = 33", 1)))
	require.NoError(t, err)

	assert.NotEqual(t, first.Fingerprint(), second.Fingerprint())
}
