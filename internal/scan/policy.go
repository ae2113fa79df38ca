package scan

import (
	"path"
	"strings"
)

// DefaultExtensions are the recognized configuration file extensions.
var DefaultExtensions = []string{
	".yaml",
	".yml",
	".json",
}

// Policy decides which repository files are configuration files.
type Policy struct {
	// Dir restricts eligible files to this slash-separated directory.
	// Empty means the whole repository.
	Dir string
	// Extensions lists the recognized extensions, including the leading dot.
	Extensions []string
}

// NewPolicy returns a Policy for dir, falling back to DefaultExtensions.
// Extensions are lower-cased and given a leading dot.
func NewPolicy(dir string, extensions []string) Policy {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	normalized := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized = append(normalized, ext)
	}
	return Policy{
		Dir:        strings.Trim(path.Clean("/"+dir), "/"),
		Extensions: normalized,
	}
}

// Eligible returns true if the repository-relative path p is a configuration
// file under this policy. Hidden files and anything below a hidden directory
// (e.g. .github) are never eligible.
func (p Policy) Eligible(relPath string) bool {
	if p.Dir != "" && !strings.HasPrefix(relPath, p.Dir+"/") {
		return false
	}

	for _, elem := range strings.Split(relPath, "/") {
		if strings.HasPrefix(elem, ".") {
			return false
		}
	}

	ext := strings.ToLower(path.Ext(relPath))
	for _, valid := range p.Extensions {
		if ext == valid {
			return true
		}
	}
	return false
}
