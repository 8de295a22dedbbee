package toolchain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/droidpack/droidpack"
	"github.com/droidpack/droidpack/sdkmanager"
	xslice "github.com/frantjc/x/slice"
	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"
)

const indexName = "index.yaml"

// Constraints are the target parameters a build needs a toolchain for.
type Constraints struct {
	API        int
	MinAPI     int
	NDKVersion string
	Archs      []string
}

// Identity is the registry directory name for a constraint set.
func (c Constraints) Identity() string {
	archs := append([]string{}, c.Archs...)
	sort.Strings(archs)

	return fmt.Sprintf("android-%d-ndk%s-%s", c.API, c.NDKVersion, strings.Join(archs, "+"))
}

// Index is the metadata an installed toolchain advertises about itself.
type Index struct {
	APILevels  []int         `yaml:"apiLevels"`
	NDKVersion string        `yaml:"ndkVersion"`
	Archs      []string      `yaml:"archs"`
	BuildTools string        `yaml:"buildTools"`
	Checksum   digest.Digest `yaml:"checksum,omitempty"`
	Installed  time.Time     `yaml:"installed"`
}

// Handle references a located toolchain installation whose support for
// the requested API levels, NDK version, and architectures has been
// verified.
type Handle struct {
	ID         string
	Root       string
	API        int
	MinAPI     int
	NDKVersion string
	Archs      []string
	BuildTools string
}

// AndroidJar is the platform jar resource packaging links against.
func (h *Handle) AndroidJar() string {
	return filepath.Join(h.Root, "platforms", fmt.Sprintf("android-%d", h.API), "android.jar")
}

// Installer provisions the packages for a constraint set into dir.
// The default implementation shells out to sdkmanager.
type Installer interface {
	Install(ctx context.Context, constraints Constraints, dir string) error
}

type sdkmanagerInstaller struct {
	sdkmanager sdkmanager.Command
	proxy      string
}

func (i *sdkmanagerInstaller) Install(ctx context.Context, constraints Constraints, dir string) error {
	return i.sdkmanager.Install(ctx, &sdkmanager.InstallOpts{
		SDKRoot: dir,
		Proxy:   i.proxy,
	},
		fmt.Sprintf("platforms;android-%d", constraints.API),
		"ndk;"+constraints.NDKVersion,
		"build-tools;34.0.0",
		"platform-tools",
	)
}

// Resolver locates or provisions toolchain installations under a local
// registry directory. Provisioning the same identity is mutually
// exclusive; re-resolving the same constraints reuses the existing
// installation.
type Resolver struct {
	Root       string
	Installer  Installer
	MaxRetries uint

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// ResolverOpt configures a Resolver.
type ResolverOpt func(*Resolver)

func WithInstaller(installer Installer) ResolverOpt {
	return func(r *Resolver) {
		r.Installer = installer
	}
}

func WithSDKManager(cmd sdkmanager.Command, proxy string) ResolverOpt {
	return func(r *Resolver) {
		r.Installer = &sdkmanagerInstaller{sdkmanager: cmd, proxy: proxy}
	}
}

func NewResolver(root string, opts ...ResolverOpt) *Resolver {
	r := &Resolver{
		Root:       root,
		Installer:  &sdkmanagerInstaller{sdkmanager: "sdkmanager"},
		MaxRetries: 4,
		locks:      map[string]*sync.Mutex{},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Resolver) lock(identity string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.locks[identity]; !ok {
		r.locks[identity] = &sync.Mutex{}
	}

	return r.locks[identity]
}

// Resolve returns a verified Handle for the constraints, provisioning
// the installation if the registry does not have it yet. Transient
// provisioning failures are retried with exponential backoff; a
// toolchain that does not advertise support for every requested
// architecture or the exact NDK version is rejected, never downgraded.
func (r *Resolver) Resolve(ctx context.Context, constraints Constraints) (*Handle, error) {
	if constraints.MinAPI > constraints.API {
		return nil, droidpack.ToolchainError(fmt.Errorf("min api %d exceeds target api %d", constraints.MinAPI, constraints.API))
	}

	var (
		identity = constraints.Identity()
		dir      = filepath.Join(r.Root, identity)
		log      = logr.FromContextOrDiscard(ctx).WithValues("toolchain", identity)
	)

	lock := r.lock(identity)
	lock.Lock()
	defer lock.Unlock()

	index, err := readIndex(dir)
	if os.IsNotExist(err) {
		log.Info("provisioning toolchain")

		index, err = r.provision(ctx, constraints, dir)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, droidpack.ToolchainError(err)
	} else {
		log.V(1).Info("reusing installed toolchain")
	}

	if err := verify(index, constraints); err != nil {
		return nil, droidpack.ToolchainError(err)
	}

	return &Handle{
		ID:         identity,
		Root:       dir,
		API:        constraints.API,
		MinAPI:     constraints.MinAPI,
		NDKVersion: index.NDKVersion,
		Archs:      append([]string{}, constraints.Archs...),
		BuildTools: index.BuildTools,
	}, nil
}

func (r *Resolver) provision(ctx context.Context, constraints Constraints, dir string) (*Index, error) {
	staging := dir + ".partial"

	operation := func() (*Index, error) {
		if err := os.RemoveAll(staging); err != nil {
			return nil, err
		}

		if err := os.MkdirAll(staging, 0o755); err != nil {
			return nil, err
		}

		if err := r.Installer.Install(ctx, constraints, staging); err != nil {
			return nil, err
		}

		index, err := readIndex(staging)
		if os.IsNotExist(err) {
			// The install completed without advertising its contents:
			// not something a retry can fix.
			return nil, backoff.Permanent(fmt.Errorf("installed toolchain has no %s", indexName))
		} else if err != nil {
			return nil, err
		}

		if index.Checksum != "" {
			sum, err := checksum(staging)
			if err != nil {
				return nil, err
			}

			if sum != index.Checksum {
				return nil, fmt.Errorf("toolchain checksum mismatch: advertised %s, computed %s", index.Checksum, sum)
			}
		}

		return index, nil
	}

	index, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(r.MaxRetries),
	)
	if err != nil {
		_ = os.RemoveAll(staging)
		return nil, droidpack.ToolchainError(err)
	}

	// Promote atomically so a concurrent reader never sees a partial
	// installation.
	if err := os.Rename(staging, dir); err != nil {
		_ = os.RemoveAll(staging)
		return nil, droidpack.ToolchainError(err)
	}

	return index, nil
}

// verify checks that an installation actually supports everything the
// constraints ask for. No fuzzy matching: the NDK version must be exact
// and every architecture must be advertised.
func verify(index *Index, constraints Constraints) error {
	if !xslice.Includes(index.APILevels, constraints.API) {
		return fmt.Errorf("toolchain does not support api level %d", constraints.API)
	}

	if index.NDKVersion != constraints.NDKVersion {
		return fmt.Errorf("toolchain has ndk %s, spec requires exactly %s", index.NDKVersion, constraints.NDKVersion)
	}

	for _, arch := range constraints.Archs {
		if !xslice.Includes(index.Archs, arch) {
			return fmt.Errorf("toolchain does not support arch %s", arch)
		}
	}

	return nil
}

func readIndex(dir string) (*Index, error) {
	data, err := os.ReadFile(filepath.Join(dir, indexName))
	if err != nil {
		return nil, err
	}

	index := &Index{}
	if err := yaml.Unmarshal(data, index); err != nil {
		return nil, err
	}

	return index, nil
}

// WriteIndex records an installation's advertised contents. Exposed for
// installers and tests.
func WriteIndex(dir string, index *Index) error {
	data, err := yaml.Marshal(index)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, indexName), data, 0o644)
}

// checksum digests the installed tree's file names and sizes. Catching
// truncated downloads is the goal, not tamper-proofing.
func checksum(dir string) (digest.Digest, error) {
	var sb strings.Builder

	if err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		if filepath.Base(path) == indexName {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		fmt.Fprintf(&sb, "%s %d\n", filepath.ToSlash(rel), info.Size())

		return nil
	}); err != nil {
		return "", err
	}

	return digest.FromString(sb.String()), nil
}
