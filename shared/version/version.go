package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Version contains the proctrace version number.
var Version = "0.3.0"

// UserAgent contains the proctrace user agent.
var UserAgent = "proctrace/" + Version

// DottedVersion holds element of a version in the maj.min[.patch] format.
type DottedVersion struct {
	Major int
	Minor int
	Patch int
}

// NewDottedVersion returns a new Version.
func NewDottedVersion(versionString string) (*DottedVersion, error) {
	formatError := fmt.Errorf("Invalid version format: %q", versionString)

	elements := strings.Split(versionString, ".")
	if len(elements) < 2 || len(elements) > 3 {
		return nil, formatError
	}

	major, err := strconv.Atoi(elements[0])
	if err != nil {
		return nil, formatError
	}

	minor, err := strconv.Atoi(elements[1])
	if err != nil {
		return nil, formatError
	}

	patch := -1
	if len(elements) == 3 {
		patch, err = strconv.Atoi(elements[2])
		if err != nil {
			return nil, formatError
		}
	}

	return &DottedVersion{
		Major: major,
		Minor: minor,
		Patch: patch,
	}, nil
}

// Parse parses a string starting with a dotted version and returns it.
func Parse(s string) (*DottedVersion, error) {
	matches := regexp.MustCompile(`^(\d+\.\d+(\.\d+)?)`).FindStringSubmatch(s)
	if len(matches) == 0 {
		return nil, fmt.Errorf("Could not parse version string: %q", s)
	}

	return NewDottedVersion(matches[1])
}

// String returns version as a string.
func (v *DottedVersion) String() string {
	version := fmt.Sprintf("%d.%d", v.Major, v.Minor)
	if v.Patch != -1 {
		version += "." + strconv.Itoa(v.Patch)
	}

	return version
}

// Compare returns -1, 0 or 1 depending on whether this version is smaller,
// equal or larger than the given one.
func (v *DottedVersion) Compare(other *DottedVersion) int {
	result := compareInts(v.Major, other.Major)
	if result != 0 {
		return result
	}

	result = compareInts(v.Minor, other.Minor)
	if result != 0 {
		return result
	}

	return compareInts(v.Patch, other.Patch)
}

func compareInts(i1 int, i2 int) int {
	if i1 == i2 {
		return 0
	}

	if i1 > i2 {
		return 1
	}

	return -1
}
