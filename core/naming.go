package core

import (
	"regexp"
	"strings"
)

var (
	// <hfile>.<encoded region>
	referenceFileRE = regexp.MustCompile(`^[0-9a-f]+(?:_SeqId_[0-9]+_)?\.[0-9a-f]+$`)
	// [<ns>=]<table>=<region>-<hfile>
	linkFileRE = regexp.MustCompile(`^(?:[_0-9A-Za-z]+=)?[_0-9A-Za-z][-_.0-9A-Za-z]*=[0-9a-f]+-[0-9a-f]+(?:_SeqId_[0-9]+_)?$`)
)

// DefaultIgnoreDirs are region sub-directories that never hold family data.
var DefaultIgnoreDirs = []string{RecoveredEditsDirName}

// IsHiddenName reports names starting with '_' or '.', which mark temporary
// or bookkeeping entries.
func IsHiddenName(name string) bool {
	return strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")
}

// IsReferenceFileName reports a half-file reference left by a region split.
func IsReferenceFileName(name string) bool {
	return referenceFileRE.MatchString(name)
}

// IsLinkFileName reports a link to a data file owned by another table.
func IsLinkFileName(name string) bool {
	return linkFileRE.MatchString(name)
}

// IsLoadableFileName reports whether a family directory entry is a data file
// the bulk loader should pick up.
func IsLoadableFileName(name string) bool {
	return !IsHiddenName(name) && !IsReferenceFileName(name) && !IsLinkFileName(name)
}

// IsIgnoredFamilyDir reports region sub-directories that are not families.
func IsIgnoredFamilyDir(name string, ignore []string) bool {
	if IsHiddenName(name) {
		return true
	}
	for _, pattern := range ignore {
		if pattern != "" && strings.Contains(name, pattern) {
			return true
		}
	}
	return false
}
