package sandbox

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/opensandbox/pipagent/internal/pathtable"
)

// Redirector maps the declared path space of a pip into its execution
// root. POSIX paths keep their shape under the root (/a/b becomes
// <root>/a/b) and drive roots become a directory named after the drive
// (C:/a becomes <root>/C:/a), so the mapping is reversible.
type Redirector struct {
	root  string
	roots []string
}

// NewRedirector returns a redirector into root. declaredRoots are the
// directories whose occurrences in arguments RewriteArg replaces.
func NewRedirector(root string, declaredRoots []string) *Redirector {
	r := &Redirector{root: filepath.Clean(root)}
	for _, d := range declaredRoots {
		comps, err := pathtable.Split(d)
		if err != nil || len(comps) < 2 {
			// Never rewrite bare filesystem roots.
			continue
		}
		r.roots = append(r.roots, pathtable.Join(comps))
	}
	// Longest first so nested roots win.
	sort.Slice(r.roots, func(i, j int) bool { return len(r.roots[i]) > len(r.roots[j]) })
	return r
}

// Root returns the directory declared paths are redirected into.
func (r *Redirector) Root() string { return r.root }

// ToSandbox returns where the declared path p lives inside the root.
func (r *Redirector) ToSandbox(p string) string {
	comps, err := pathtable.Split(p)
	if err != nil {
		return ""
	}
	parts := append([]string{r.root}, comps...)
	if comps[0] == "" {
		parts = append([]string{r.root}, comps[1:]...)
	}
	return filepath.Join(parts...)
}

// ToOriginal maps a path inside the root back to the declared path space.
func (r *Redirector) ToOriginal(p string) (string, bool) {
	rel, err := filepath.Rel(r.root, filepath.Clean(p))
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	if rel == "." {
		return "/", true
	}
	rel = filepath.ToSlash(rel)
	first, rest, _ := strings.Cut(rel, "/")
	if len(first) == 2 && first[1] == ':' && isLetter(first[0]) {
		return first + "/" + rest, true
	}
	return "/" + rel, true
}

// RewriteArg replaces occurrences of declared roots in arg with their
// redirected location. A root only matches at the start of the argument
// or after a delimiter, and only when followed by a separator or the end.
func (r *Redirector) RewriteArg(arg string) string {
	if len(r.roots) == 0 {
		return arg
	}
	var b strings.Builder
	for i := 0; i < len(arg); {
		if i == 0 || isArgDelimiter(arg[i-1]) {
			if root, ok := r.matchRoot(arg[i:]); ok {
				b.WriteString(r.ToSandbox(root))
				i += len(root)
				continue
			}
		}
		b.WriteByte(arg[i])
		i++
	}
	return b.String()
}

func (r *Redirector) matchRoot(s string) (string, bool) {
	for _, root := range r.roots {
		if !strings.HasPrefix(s, root) {
			continue
		}
		if len(s) == len(root) || s[len(root)] == '/' || isArgDelimiter(s[len(root)]) {
			return root, true
		}
	}
	return "", false
}

func isArgDelimiter(c byte) bool {
	switch c {
	case ' ', '=', ':', ',', ';', '"', '\'', '@', '(', '[':
		return true
	}
	return false
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// minimalRoots drops every directory that lies under another one.
func minimalRoots(dirs []string) []string {
	sort.Strings(dirs)
	var out []string
next:
	for _, d := range dirs {
		for _, kept := range out {
			if d == kept || strings.HasPrefix(d, strings.TrimSuffix(kept, "/")+"/") {
				continue next
			}
		}
		out = append(out, d)
	}
	return out
}
