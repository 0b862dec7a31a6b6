// Command buildcache is the CLI front-end of the compiler-invocation
// cache.
//
// Invoked under its own name it serves the administrative commands (clear,
// show-stats, max-size) or, given a positional command line, wraps that
// tool invocation. Invoked under any other name (the usual setup: symlinks
// named after compilers pointing at this binary) the entire argv is the
// wrapped command line.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/benoit-pierre/buildcache"
	"github.com/benoit-pierre/buildcache/config"
	"github.com/benoit-pierre/buildcache/wrapper"
)

const exeName = "buildcache"

// Overridable at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args))
}

func run(argv []string) int {
	// Symlink invocation: the program was started under another name, so
	// the whole argv is the command line to wrap.
	if programName(argv[0]) != exeName {
		logrus.WithField("argv0", argv[0]).Debug("Invoked as symlink")
		return wrapCommand(argv)
	}

	status := 0
	cmd := newRootCmd(&status)
	cmd.SetArgs(argv[1:])
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", exeName, err)
		return 1
	}
	return status
}

func newRootCmd(status *int) *cobra.Command {
	var (
		clear     bool
		showStats bool
		maxSize   string
	)

	cmd := &cobra.Command{
		Use:   exeName + " [options]\n  " + exeName + " compiler [compiler-options]",
		Short: "A compiler invocation cache",
		Long: "BuildCache caches the results of compiler invocations. Invoked in place\n" +
			"of the real tool (typically through a symlink carrying the tool's name)\n" +
			"it reproduces the tool's outputs from a local or remote cache, and only\n" +
			"runs the tool on a cache miss.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case clear:
				*status = adminCommand(cmd.ErrOrStderr(), func(c *buildcache.Cache) error {
					return c.Clear()
				})
			case showStats:
				*status = adminCommand(cmd.ErrOrStderr(), func(c *buildcache.Cache) error {
					return c.ShowStats(cmd.OutOrStdout())
				})
			case maxSize != "":
				*status = setMaxSize(cmd.ErrOrStderr(), maxSize)
			case len(args) > 0:
				*status = wrapCommand(args)
			default:
				_ = cmd.Help()
				*status = 1
			}
			return nil
		},
	}

	// Everything after the first positional argument belongs to the
	// wrapped tool.
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().BoolVarP(&clear, "clear", "C", false, "clear the cache completely (except configuration)")
	cmd.Flags().BoolVarP(&showStats, "show-stats", "s", false, "show statistics summary")
	cmd.Flags().StringVarP(&maxSize, "max-size", "M", "",
		"set maximum cache size (0 for no limit; suffixes: k, M, G, T and Ki, Mi, Gi, Ti; default suffix: G)")
	cmd.SetVersionTemplate("BuildCache version {{.Version}}\n")
	cmd.Flags().BoolP("version", "V", false, "print version information")
	cmd.Flags().BoolP("help", "h", false, "print this help text")
	return cmd
}

func adminCommand(errOut io.Writer, f func(*buildcache.Cache) error) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(errOut, "*** %v\n", err)
		return 1
	}
	setupLogging(cfg)
	c, err := buildcache.New(cfg)
	if err == nil {
		err = f(c)
	}
	if err != nil {
		fmt.Fprintf(errOut, "*** %v\n", err)
		return 1
	}
	return 0
}

func setMaxSize(errOut io.Writer, arg string) int {
	size, err := config.ParseSize(arg)
	if err != nil {
		fmt.Fprintf(errOut, "*** %v\n", err)
		return 1
	}
	if err := config.SetMaxSize(config.DefaultDir(), size); err != nil {
		fmt.Fprintf(errOut, "*** %v\n", err)
		return 1
	}
	return 0
}

// wrapCommand handles one wrapped tool invocation: args is the tool command
// line, tool name first. Whatever goes wrong, the tool itself runs.
func wrapCommand(args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "buildcache: %v\n", err)
		return wrapper.RunPassthrough(args)
	}
	setupLogging(cfg)

	if cfg.Disable {
		return wrapper.RunPassthrough(args)
	}

	// Resolve the true tool path first: it keeps symlink chains from
	// recursing into this binary and lets wrappers identify the real tool.
	truePath, err := wrapper.FindExecutable(args[0], exeName)
	if err != nil {
		logrus.WithError(err).Debug("Could not resolve tool executable")
		return wrapper.RunPassthrough(args)
	}
	resolved := append([]string{truePath}, args[1:]...)

	c, err := buildcache.New(cfg)
	if err != nil {
		logrus.WithError(err).Warn("Cache unavailable")
		return wrapper.RunPassthrough(resolved)
	}

	if w := wrapper.Find(resolved, cfg); w != nil {
		if wrapped, code := wrapper.HandleCommand(c, cfg, w, resolved); wrapped {
			return code
		}
	} else {
		logrus.WithField("tool", truePath).Debug("No suitable wrapper")
	}

	return wrapper.RunPassthrough(resolved)
}

func setupLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.WarnLevel
	}
	logrus.SetLevel(level)

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err == nil {
			logrus.SetOutput(f)
		}
	}
}

func programName(argv0 string) string {
	base := filepath.Base(argv0)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
