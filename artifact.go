package droidpack

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// Artifact is the final packaged output of a build plus its metadata.
// It is immutable once produced; the build cache owns stored artifacts
// until eviction.
type Artifact struct {
	Name     string           `yaml:"name"`
	Digest   digest.Digest    `yaml:"digest"`
	Size     int64            `yaml:"size"`
	Metadata ArtifactMetadata `yaml:"metadata"`
}

// ArtifactMetadata records how an artifact was built.
type ArtifactMetadata struct {
	InputsDigest   digest.Digest     `yaml:"inputsDigest"`
	Built          time.Time         `yaml:"built"`
	ToolchainID    string            `yaml:"toolchainId"`
	APILevel       int               `yaml:"apiLevel"`
	MinAPILevel    int               `yaml:"minApiLevel"`
	NDKVersion     string            `yaml:"ndkVersion"`
	BuildTools     string            `yaml:"buildTools,omitempty"`
	Archs          []string          `yaml:"archs"`
	DependencyPins map[string]string `yaml:"dependencyPins,omitempty"`
}
