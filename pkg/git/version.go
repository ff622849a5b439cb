package git

import (
	"context"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
)

// versionRegex pulls the numeric version out of `git --version`, e.g.
// "git version 2.39.3 (Apple Git-146)" or "git version 2.45.1.windows.1".
var versionRegex = regexp.MustCompile(`(\d+\.\d+(?:\.\d+)?)`)

// Version returns the installed git version.
func (g *Gateway) Version(ctx context.Context) (*semver.Version, error) {
	res, err := g.exec(ctx, "version", "", "--version")
	if err != nil {
		return nil, err
	}
	return ParseVersion(trimOutput(res.Stdout))
}

// ParseVersion extracts a semantic version from `git --version` output.
func ParseVersion(out string) (*semver.Version, error) {
	match := versionRegex.FindString(out)
	if match == "" {
		return nil, errors.Newf("unrecognized git version output %q", out)
	}
	v, err := semver.NewVersion(match)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid git version %q", match)
	}
	return v, nil
}

// CheckVersion verifies the installed git satisfies constraint
// (e.g. ">= 2.20").
func (g *Gateway) CheckVersion(ctx context.Context, constraint string) (*semver.Version, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid git version constraint %q", constraint)
	}

	v, err := g.Version(ctx)
	if err != nil {
		return nil, err
	}

	if !c.Check(v) {
		return v, errors.Newf("git %s does not satisfy %s", v, constraint)
	}
	return v, nil
}
