package sandbox

import "strings"

// FileAccessPolicy is the set of permissions and reporting flags that
// applies to a path.
type FileAccessPolicy uint16

const (
	AllowRead FileAccessPolicy = 1 << iota
	AllowWrite
	AllowReadIfNonexistent
	AllowCreateDirectory
	AllowSymlinkCreation
	// AllowReadAlways permits reads without reporting them; used for the
	// agent's own runtime files.
	AllowReadAlways
	// AllowRealInputTimestamps disables timestamp faking for the path.
	AllowRealInputTimestamps
	ReportAccess
	ReportAccessIfNonexistent
	ReportDirectoryEnumerationAccess

	MaskNothing FileAccessPolicy = ^FileAccessPolicy(0)
	MaskAll     FileAccessPolicy = 0
	AllowAll                     = AllowRead | AllowWrite | AllowReadIfNonexistent | AllowCreateDirectory | AllowSymlinkCreation
)

var policyNames = []struct {
	flag FileAccessPolicy
	name string
}{
	{AllowRead, "AllowRead"},
	{AllowWrite, "AllowWrite"},
	{AllowReadIfNonexistent, "AllowReadIfNonexistent"},
	{AllowCreateDirectory, "AllowCreateDirectory"},
	{AllowSymlinkCreation, "AllowSymlinkCreation"},
	{AllowReadAlways, "AllowReadAlways"},
	{AllowRealInputTimestamps, "AllowRealInputTimestamps"},
	{ReportAccess, "ReportAccess"},
	{ReportAccessIfNonexistent, "ReportAccessIfNonexistent"},
	{ReportDirectoryEnumerationAccess, "ReportDirectoryEnumerationAccess"},
}

// Has reports whether every flag in f is set.
func (p FileAccessPolicy) Has(f FileAccessPolicy) bool { return p&f == f }

func (p FileAccessPolicy) String() string {
	if p == 0 {
		return "Deny"
	}
	var parts []string
	for _, n := range policyNames {
		if p&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
