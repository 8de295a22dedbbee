package depgraph

// DefaultRegistry is the built-in registry snapshot used when the
// toolchain root carries no requirements.yaml. Pinning a snapshot into
// the binary keeps resolution reproducible across machines.
func DefaultRegistry() *Registry {
	return &Registry{
		Packages: map[string]RegistryPackage{
			"python3": {
				Versions: map[string]RegistryVersion{
					"3.10.14": {Source: "https://www.python.org/ftp/python/3.10.14/Python-3.10.14.tgz"},
					"3.11.9":  {Source: "https://www.python.org/ftp/python/3.11.9/Python-3.11.9.tgz"},
				},
			},
			"sdl2": {
				Versions: map[string]RegistryVersion{
					"2.28.5": {Source: "https://github.com/libsdl-org/SDL/releases/download/release-2.28.5/SDL2-2.28.5.tar.gz"},
				},
			},
			"kivy": {
				Versions: map[string]RegistryVersion{
					"2.2.1": {
						Source:   "https://pypi.org/packages/source/K/Kivy/Kivy-2.2.1.tar.gz",
						Requires: []string{"python3>=3.10", "sdl2"},
					},
					"2.3.0": {
						Source:   "https://pypi.org/packages/source/K/Kivy/Kivy-2.3.0.tar.gz",
						Requires: []string{"python3>=3.10", "sdl2"},
					},
				},
			},
			"pillow": {
				Versions: map[string]RegistryVersion{
					"10.2.0": {
						Source:   "https://pypi.org/packages/source/p/pillow/pillow-10.2.0.tar.gz",
						Requires: []string{"python3>=3.10"},
					},
				},
			},
			"reportlab": {
				Versions: map[string]RegistryVersion{
					"4.0.9": {
						Source:   "https://pypi.org/packages/source/r/reportlab/reportlab-4.0.9.tar.gz",
						Requires: []string{"python3>=3.10", "pillow>=10.0.0"},
					},
				},
			},
			"pyjnius": {
				Versions: map[string]RegistryVersion{
					"1.6.1": {
						Source:   "https://pypi.org/packages/source/p/pyjnius/pyjnius-1.6.1.tar.gz",
						Requires: []string{"python3>=3.10"},
					},
				},
			},
		},
	}
}
