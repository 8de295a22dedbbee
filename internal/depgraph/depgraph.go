package depgraph

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/droidpack/droidpack"
	"github.com/opencontainers/go-digest"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// Registry is a snapshot of the package registry the resolver picks
// versions from. Resolution against the same snapshot is deterministic.
type Registry struct {
	Packages map[string]RegistryPackage `yaml:"packages"`
}

type RegistryPackage struct {
	Versions map[string]RegistryVersion `yaml:"versions"`
}

type RegistryVersion struct {
	Source string `yaml:"source,omitempty"`
	// Requires lists transitive requirements, e.g. "python3>=3.10".
	Requires []string `yaml:"requires,omitempty"`
}

// LoadRegistry reads a registry snapshot from a YAML file.
func LoadRegistry(name string) (*Registry, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}

	registry := &Registry{}
	if err := yaml.Unmarshal(data, registry); err != nil {
		return nil, err
	}

	return registry, nil
}

// Node is one resolved requirement.
type Node struct {
	Name     string
	Version  string
	Source   string
	Requires []string
}

// Graph maps every requirement, declared or transitive, to a single
// pinned version, with a topological build order (dependencies first).
type Graph struct {
	Nodes map[string]Node
	Order []string
}

// Pins returns the name to version mapping.
func (g *Graph) Pins() map[string]string {
	pins := make(map[string]string, len(g.Nodes))
	for name, node := range g.Nodes {
		pins[name] = node.Version
	}

	return pins
}

// Fingerprint digests every pin in a fixed order.
func (g *Graph) Fingerprint() digest.Digest {
	var sb strings.Builder

	for _, name := range g.Order {
		fmt.Fprintf(&sb, "%s==%s\n", name, g.Nodes[name].Version)
	}

	return digest.FromString(sb.String())
}

// constraint is a single version bound and where it came from, kept for
// error reporting.
type constraint struct {
	raw    string
	origin string
}

func (c constraint) String() string {
	if c.raw == "" {
		return fmt.Sprintf("%s (any)", c.origin)
	}

	return fmt.Sprintf("%s (%s)", c.origin, c.raw)
}

// satisfies reports whether version v meets the bound. Versions are
// compared as semver, tolerating a missing v prefix.
func (c constraint) satisfies(v string) bool {
	switch {
	case c.raw == "":
		return true
	case strings.HasPrefix(c.raw, "=="):
		return canon(v) == canon(strings.TrimPrefix(c.raw, "=="))
	case strings.HasPrefix(c.raw, ">="):
		return semver.Compare(canon(v), canon(strings.TrimPrefix(c.raw, ">="))) >= 0
	case strings.HasPrefix(c.raw, "<="):
		return semver.Compare(canon(v), canon(strings.TrimPrefix(c.raw, "<="))) <= 0
	}

	return false
}

func canon(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}

	return semver.Canonical(v)
}

// Resolve pins a single version per requirement, declared or
// transitive, satisfying every constraint. Given the same requirement
// set and registry snapshot it always yields the same graph.
func Resolve(reqs []droidpack.Requirement, registry *Registry) (*Graph, error) {
	constraints := map[string][]constraint{}
	for _, req := range reqs {
		constraints[req.Name] = append(constraints[req.Name], constraint{raw: req.Constraint, origin: "spec"})
	}

	// Constraints accumulate from the requires of chosen versions, so
	// iterate choosing versions until the constraint set is stable.
	// Preferences can oscillate instead of converging, so any consistent
	// assignment seen along the way is remembered as a fallback.
	var (
		chosen    map[string]Node
		fallback  map[string]Node
		converged bool
	)
	for range len(registry.Packages) + len(reqs) + 1 {
		chosen = map[string]Node{}

		for _, name := range sortedNames(constraints) {
			node, err := choose(name, constraints[name], registry)
			if err != nil {
				return nil, err
			}

			chosen[name] = node
		}

		next := map[string][]constraint{}
		for _, req := range reqs {
			next[req.Name] = append(next[req.Name], constraint{raw: req.Constraint, origin: "spec"})
		}

		for _, name := range sortedNames(chosen) {
			node := chosen[name]
			for _, raw := range node.Requires {
				req := parseRequires(raw)
				next[req.Name] = append(next[req.Name], constraint{
					raw:    req.Constraint,
					origin: fmt.Sprintf("%s==%s", node.Name, node.Version),
				})
			}
		}

		if constraintsEqual(constraints, next) {
			converged = true
			break
		}

		if verifyPins(chosen, reqs) == nil {
			fallback = chosen
		}

		constraints = next
	}

	// A converged assignment is consistent by construction. An exhausted
	// loop is not: the last choice may violate the requires of the
	// versions it just picked, and such a graph must never be returned.
	if !converged {
		if err := verifyPins(chosen, reqs); err != nil {
			if fallback == nil {
				return nil, err
			}

			chosen = fallback
		}
	}

	graph := &Graph{Nodes: chosen}

	order, err := topoOrder(chosen)
	if err != nil {
		return nil, err
	}

	graph.Order = order

	return graph, nil
}

func choose(name string, cs []constraint, registry *Registry) (Node, error) {
	pkg, ok := registry.Packages[name]
	if !ok {
		return Node{}, droidpack.ResolutionError(fmt.Errorf("requirement %s not in registry", name))
	}

	versions := make([]string, 0, len(pkg.Versions))
	for v := range pkg.Versions {
		versions = append(versions, v)
	}

	// Highest satisfying version wins; ties cannot happen within one
	// registry snapshot.
	sort.Slice(versions, func(i, j int) bool {
		return semver.Compare(canon(versions[i]), canon(versions[j])) > 0
	})

	for _, v := range versions {
		ok := true
		for _, c := range cs {
			if !c.satisfies(v) {
				ok = false
				break
			}
		}

		if ok {
			rv := pkg.Versions[v]

			requires := make([]string, 0, len(rv.Requires))
			requires = append(requires, rv.Requires...)
			sort.Strings(requires)

			return Node{Name: name, Version: v, Source: rv.Source, Requires: requires}, nil
		}
	}

	descriptions := make([]string, 0, len(cs))
	for _, c := range cs {
		descriptions = append(descriptions, c.String())
	}

	return Node{}, droidpack.ConflictError(fmt.Errorf("no version of %s satisfies %s", name, strings.Join(descriptions, ", ")))
}

// verifyPins checks an assignment against the constraint set it
// implies: the declared requirements plus the requires of every pinned
// version.
func verifyPins(chosen map[string]Node, reqs []droidpack.Requirement) error {
	implied := map[string][]constraint{}
	for _, req := range reqs {
		implied[req.Name] = append(implied[req.Name], constraint{raw: req.Constraint, origin: "spec"})
	}

	for _, name := range sortedNames(chosen) {
		node := chosen[name]
		for _, raw := range node.Requires {
			req := parseRequires(raw)
			implied[req.Name] = append(implied[req.Name], constraint{
				raw:    req.Constraint,
				origin: fmt.Sprintf("%s==%s", node.Name, node.Version),
			})
		}
	}

	violations := []string{}
	for _, name := range sortedNames(implied) {
		node, ok := chosen[name]
		if !ok {
			for _, c := range implied[name] {
				violations = append(violations, fmt.Sprintf("%s requires %s, which is not pinned", c.origin, name))
			}

			continue
		}

		for _, c := range implied[name] {
			if !c.satisfies(node.Version) {
				violations = append(violations, fmt.Sprintf("%s==%s violates %s", name, node.Version, c))
			}
		}
	}

	if len(violations) > 0 {
		return droidpack.ConflictError(errors.New(strings.Join(violations, ", ")))
	}

	return nil
}

func parseRequires(s string) droidpack.Requirement {
	for _, op := range []string{"==", ">=", "<="} {
		if i := strings.Index(s, op); i >= 0 {
			return droidpack.Requirement{Name: s[:i], Constraint: s[i:]}
		}
	}

	return droidpack.Requirement{Name: s}
}

// topoOrder returns dependencies-first order, deterministic by name,
// failing on any cycle with the cyclic path named.
func topoOrder(nodes map[string]Node) ([]string, error) {
	var (
		order   = make([]string, 0, len(nodes))
		state   = map[string]int{}
		path    = []string{}
		visit   func(name string) error
		visited = 1
		done    = 2
	)

	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visited:
			i := 0
			for j, p := range path {
				if p == name {
					i = j
					break
				}
			}

			return droidpack.CycleError(fmt.Errorf("%s -> %s", strings.Join(path[i:], " -> "), name))
		}

		state[name] = visited
		path = append(path, name)

		node := nodes[name]
		for _, raw := range node.Requires {
			req := parseRequires(raw)
			if _, ok := nodes[req.Name]; ok {
				if err := visit(req.Name); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		state[name] = done
		order = append(order, name)

		return nil
	}

	for _, name := range sortedNames(nodes) {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return order, nil
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func constraintsEqual(a, b map[string][]constraint) bool {
	if len(a) != len(b) {
		return false
	}

	for name, ca := range a {
		cb, ok := b[name]
		if !ok || len(ca) != len(cb) {
			return false
		}

		for i := range ca {
			if ca[i] != cb[i] {
				return false
			}
		}
	}

	return true
}
