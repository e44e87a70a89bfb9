package version

import (
	"fmt"
	"os/exec"
	"strings"
)

// Set through -ldflags at release build time.
var (
	Version = "0.1.0"
	Commit  = "unknown"
	Date    = "unknown"
)

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

func (i Info) String() string {
	return fmt.Sprintf("medialoader %s (commit %s, built %s)", i.Version, i.Commit, i.Date)
}

// Current reports the build information. Builds made from a git checkout
// that is not on a release tag get a describe-derived suffix.
func Current() Info {
	return Info{
		Version: resolveVersion(Version, runGit),
		Commit:  Commit,
		Date:    Date,
	}
}

func Resolve() string {
	return Current().Version
}

type gitFunc func(...string) (string, error)

func resolveVersion(base string, git gitFunc) string {
	base = strings.TrimPrefix(strings.TrimSpace(base), "v")
	if base == "" {
		base = "0.0.0"
	}

	suffix := gitSuffix(base, git)
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

func gitSuffix(base string, git gitFunc) string {
	if _, err := git("rev-parse", "--git-dir"); err != nil {
		return ""
	}
	if _, err := git("describe", "--tags", "--exact-match"); err == nil {
		return ""
	}

	desc, err := git("describe", "--tags", "--dirty", "--always")
	if err != nil || desc == "" {
		return ""
	}
	return strings.TrimPrefix(desc, "v"+base+"-")
}

func runGit(args ...string) (string, error) {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
