package fileset

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/droidpack/droidpack"
	xslice "github.com/frantjc/x/slice"
	"github.com/opencontainers/go-digest"
)

// Category is the logical role of a resolved file within the package.
type Category int

const (
	CategorySource Category = iota
	CategoryAsset
)

func (c Category) String() string {
	if c == CategorySource {
		return "source"
	}

	return "asset"
}

// sourceExts are the extensions categorized as source rather than asset.
var sourceExts = []string{"py", "kv", "java", "kt", "c", "cc", "cpp", "h", "go", "js"}

// File is a single resolved file.
type File struct {
	// Path is the absolute path on disk.
	Path string
	// Rel is the slash-separated path relative to the source root.
	Rel      string
	Category Category
	Digest   digest.Digest
}

// FileSet is the resolved, lexicographically sorted list of files going
// into the package. It contains no duplicates and no excluded paths.
type FileSet struct {
	Root  string
	Files []File
}

// Fingerprint digests the relative paths and content digests of every
// file. Identical trees always fingerprint identically.
func (s *FileSet) Fingerprint() digest.Digest {
	var sb strings.Builder

	for _, f := range s.Files {
		fmt.Fprintf(&sb, "%s %s\n", f.Rel, f.Digest)
	}

	return digest.FromString(sb.String())
}

// ResolveOpts carry the spec's source selection rules.
type ResolveOpts struct {
	Dir             string
	IncludeExts     []string
	ExcludeDirs     []string
	ExcludePatterns []string
}

// Resolve walks the source tree and applies the include/exclude rules.
// A file is included iff its extension is in the include set, no
// ancestor directory is excluded, and no exclude pattern matches its
// relative path. Exclusion always wins over inclusion.
func Resolve(ctx context.Context, opts ResolveOpts) (*FileSet, error) {
	root, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, droidpack.ResolutionError(err)
	}

	if info, err := os.Stat(root); err != nil {
		return nil, droidpack.ResolutionError(fmt.Errorf("source dir %s: %w", opts.Dir, err))
	} else if !info.IsDir() {
		return nil, droidpack.ResolutionError(fmt.Errorf("source dir %s is not a directory", opts.Dir))
	}

	set := &FileSet{Root: root}

	if err := fs.WalkDir(os.DirFS(root), ".", func(rel string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if rel != "." && xslice.Includes(opts.ExcludeDirs, d.Name()) {
				return fs.SkipDir
			}

			return nil
		}

		ext := strings.TrimPrefix(path.Ext(d.Name()), ".")
		if !xslice.Includes(opts.IncludeExts, ext) {
			return nil
		}

		excluded, err := matchesAny(opts.ExcludePatterns, rel)
		if err != nil {
			return err
		} else if excluded {
			return nil
		}

		file, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return err
		}
		defer file.Close()

		dgst, err := digest.FromReader(file)
		if err != nil {
			return err
		}

		category := CategoryAsset
		if xslice.Includes(sourceExts, ext) {
			category = CategorySource
		}

		set.Files = append(set.Files, File{
			Path:     filepath.Join(root, filepath.FromSlash(rel)),
			Rel:      rel,
			Category: category,
			Digest:   dgst,
		})

		return nil
	}); err != nil {
		return nil, droidpack.ResolutionError(err)
	}

	sort.Slice(set.Files, func(i, j int) bool {
		return set.Files[i].Rel < set.Files[j].Rel
	})

	return set, nil
}

// matchesAny reports whether any exclude pattern matches the relative
// path. Patterns containing a separator match against the whole
// relative path; bare patterns such as *.pyc match against the base
// name. Matching is case-sensitive.
func matchesAny(patterns []string, rel string) (bool, error) {
	for _, pattern := range patterns {
		target := rel
		if !strings.Contains(pattern, "/") {
			target = path.Base(rel)
		}

		ok, err := path.Match(pattern, target)
		if err != nil {
			return false, fmt.Errorf("exclude pattern %q: %w", pattern, err)
		} else if ok {
			return true, nil
		}
	}

	return false, nil
}
