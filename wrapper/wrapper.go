// Package wrapper defines the contract between the cache engine and
// tool-specific wrappers, and the generic handle-command loop every wrapper
// runs through.
//
// A wrapper understands one tool family: it parses the command line,
// preprocesses the source, filters the flags and environment down to the
// cache-relevant subset, identifies the tool, and names the output files
// the command is expected to produce. The engine depends only on this
// capability contract; tool families (and user-authored adapters) plug in
// through Register.
package wrapper

import (
	"github.com/benoit-pierre/buildcache/codec"
	"github.com/benoit-pierre/buildcache/config"
	"github.com/benoit-pierre/buildcache/hasher"
)

// Capability strings a wrapper may advertise.
const (
	// CapHardLinks allows cache retrieval by hard link. Only safe for
	// tools whose consumers never modify outputs in place.
	CapHardLinks = "hard_links"

	// CapDirectMode enables the direct-mode shortcut: the wrapper can name
	// its raw source files and the implicit inputs a run consumed.
	CapDirectMode = "direct_mode"

	// CapCreateTargetDirs asks the engine to create missing parent
	// directories of target paths on a hit.
	CapCreateTargetDirs = "create_target_dirs"
)

// Wrapper adapts one tool family to the cache engine.
type Wrapper interface {
	// ResolveArgs expands indirect arguments (e.g. response files) before
	// any other method is called.
	ResolveArgs() error

	// Capabilities returns the capability strings this wrapper supports.
	Capabilities() []string

	// SourceFiles returns the raw source files of the command, used to key
	// direct mode. Only consulted when CapDirectMode is advertised.
	SourceFiles() []string

	// PreprocessSource returns the preprocessed source text of the
	// command.
	PreprocessSource() (string, error)

	// RelevantArguments filters the command line down to the flags that
	// influence the output.
	RelevantArguments() []string

	// RelevantEnvVars returns the environment variables that influence the
	// output.
	RelevantEnvVars() map[string]string

	// ProgramID identifies the tool (a version string or similar).
	ProgramID() (string, error)

	// BuildFiles names the files the command is expected to produce,
	// keyed by stable file id.
	BuildFiles() (map[string]codec.ExpectedFile, error)

	// ImplicitInputFiles returns the files the run consumed that are not
	// named on the command line (e.g. included headers). Only consulted
	// when CapDirectMode is advertised, after a run.
	ImplicitInputFiles() []string
}

// Base supplies the default wrapper behavior; tool wrappers embed it and
// override what is relevant for their family.
type Base struct {
	// Args is the resolved command line, tool executable first.
	Args []string
}

// NewBase returns a Base for the given command line.
func NewBase(args []string) Base {
	return Base{Args: args}
}

// ResolveArgs does nothing.
func (b *Base) ResolveArgs() error { return nil }

// Capabilities advertises nothing.
func (b *Base) Capabilities() []string { return nil }

// SourceFiles returns no source files.
func (b *Base) SourceFiles() []string { return nil }

// PreprocessSource returns an empty source: there is no preprocessing step.
func (b *Base) PreprocessSource() (string, error) { return "", nil }

// RelevantArguments considers all arguments relevant.
func (b *Base) RelevantArguments() []string { return b.Args }

// RelevantEnvVars considers no environment variables relevant.
func (b *Base) RelevantEnvVars() map[string]string { return nil }

// ProgramID identifies the tool by the hash of its binary.
func (b *Base) ProgramID() (string, error) {
	h, err := hasher.FileHash(b.Args[0])
	if err != nil {
		return "", err
	}
	return h.String(), nil
}

// BuildFiles declares no build files: nothing will be cached.
func (b *Base) BuildFiles() (map[string]codec.ExpectedFile, error) {
	return nil, nil
}

// ImplicitInputFiles returns no implicit inputs.
func (b *Base) ImplicitInputFiles() []string { return nil }

// Factory builds a wrapper for a command line, or returns nil when the tool
// is not one it handles. args carries the resolved tool executable first.
type Factory func(args []string, cfg *config.Config) Wrapper

var factories []Factory

// Register adds a wrapper factory. Factories are consulted in registration
// order.
func Register(f Factory) {
	factories = append(factories, f)
}

// Find returns the first registered wrapper that handles the command line,
// or nil.
func Find(args []string, cfg *config.Config) Wrapper {
	for _, f := range factories {
		if w := f(args, cfg); w != nil {
			return w
		}
	}
	return nil
}

type capabilities struct {
	hardLinks        bool
	directMode       bool
	createTargetDirs bool
}

func parseCapabilities(caps []string) capabilities {
	var c capabilities
	for _, s := range caps {
		switch s {
		case CapHardLinks:
			c.hardLinks = true
		case CapDirectMode:
			c.directMode = true
		case CapCreateTargetDirs:
			c.createTargetDirs = true
		}
	}
	return c
}
