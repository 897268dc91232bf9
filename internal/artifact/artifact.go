// Package artifact implements the naming, parsing, and ordering of built
// package artifacts, grounded on get_pkg_details_from_name/Pkg in utils.py
// and distri's ParseVersion/PackageRevisionLess (version.go).
package artifact

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// defaultSuffix is the artifact file suffix Format uses. A signature's name
// is always the artifact's name plus ".sig" (see SigFilename).
const (
	defaultSuffix = "pkg.tar.xz"
)

var nameRe = regexp.MustCompile(`^(.+)-([^-]+)-([^-]+)-([^-]+)\.pkg\.tar\.\w+$`)

// Artifact is a parsed artifact filename: <pkgname>-<pkgver>-<pkgrel>-<arch>.<suffix>.
type Artifact struct {
	Pkgname string
	Pkgver  string
	Pkgrel  string
	Arch    string
	Suffix  string // e.g. "pkg.tar.xz", as actually observed in the filename
}

// Ver is the pkgver-pkgrel pair used for version comparison.
func (a Artifact) Ver() string { return a.Pkgver + "-" + a.Pkgrel }

// Filename reconstructs the on-disk name.
func (a Artifact) Filename() string {
	return fmt.Sprintf("%s-%s-%s-%s.%s", a.Pkgname, a.Pkgver, a.Pkgrel, a.Arch, a.Suffix)
}

// SigFilename is Filename()+".sig".
func (a Artifact) SigFilename() string { return a.Filename() + ".sig" }

// Format builds the canonical filename for a package name, version-release
// pair, and architecture, using the default suffix.
func Format(pkgname, verRel, arch string) string {
	pkgver, pkgrel := splitVerRel(verRel)
	return Artifact{Pkgname: pkgname, Pkgver: pkgver, Pkgrel: pkgrel, Arch: arch, Suffix: defaultSuffix}.Filename()
}

func splitVerRel(verRel string) (ver, rel string) {
	idx := strings.LastIndexByte(verRel, '-')
	if idx == -1 {
		return verRel, "1"
	}
	return verRel[:idx], verRel[idx+1:]
}

// Parse parses a filename into its components, rejecting anything that does
// not match the strict naming regex.
func Parse(filename string) (Artifact, error) {
	m := nameRe.FindStringSubmatch(filename)
	if m == nil {
		return Artifact{}, xerrors.Errorf("%q: does not match artifact naming pattern", filename)
	}
	idx := strings.Index(filename, ".pkg.tar.")
	if idx == -1 {
		return Artifact{}, xerrors.Errorf("%q: missing .pkg.tar.* suffix", filename)
	}
	suffix := filename[idx+1:]
	return Artifact{
		Pkgname: m[1],
		Pkgver:  m[2],
		Pkgrel:  m[3],
		Arch:    m[4],
		Suffix:  suffix,
	}, nil
}

// HasSuffix reports whether filename ends with the configured package
// suffix (e.g. "pkg.tar.xz"), independent of parseability.
func HasSuffix(filename, suffix string) bool {
	return strings.HasSuffix(filename, "."+suffix)
}

// Comparator shells out to the domain's canonical version-compare command
// (e.g. vercmp) to order two version strings, per spec's "defer to the
// domain's canonical comparator" directive.
type Comparator struct {
	// Command is the external comparator binary, invoked as
	// "<Command> <verA> <verB>" and expected to print -1, 0, or 1.
	Command string
}

// DefaultComparator shells out to "vercmp", the Arch Linux packaging
// toolchain's comparator, matching the original buildbot.py/utils.py.
var DefaultComparator = Comparator{Command: "vercmp"}

// Compare returns -1, 0, or 1 according to the domain comparator.
func (c Comparator) Compare(ctx context.Context, a, b string) (int, error) {
	cmd := c.Command
	if cmd == "" {
		cmd = DefaultComparator.Command
	}
	out, err := exec.CommandContext(ctx, cmd, a, b).Output()
	if err != nil {
		return 0, xerrors.Errorf("%s %s %s: %w", cmd, a, b, err)
	}
	res := strings.TrimSpace(string(out))
	n, err := strconv.Atoi(res)
	if err != nil || (n != -1 && n != 0 && n != 1) {
		return 0, xerrors.Errorf("%s %s %s: unexpected output %q", cmd, a, b, res)
	}
	return n, nil
}

// Less reports whether filenameA's parsed version orders before filenameB's,
// for sort.Slice, mirroring distri's PackageRevisionLess.
func Less(ctx context.Context, cmp Comparator, filenameA, filenameB string) bool {
	a, errA := Parse(filenameA)
	b, errB := Parse(filenameB)
	if errA != nil || errB != nil {
		return filenameA < filenameB
	}
	ord, err := cmp.Compare(ctx, a.Ver(), b.Ver())
	if err != nil {
		return filenameA < filenameB
	}
	return ord < 0
}
