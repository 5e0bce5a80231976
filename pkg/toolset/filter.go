package toolset

import "github.com/bmatcuk/doublestar/v4"

// filter decides which catalog tools the registry projects. Patterns are
// doublestar globs matched against "server/tool" paths, so "files/*"
// admits one server's tools and "**/delete_*" blocks a tool shape
// everywhere. Excludes always win; an empty include list admits all.
type filter struct {
	include []string
	exclude []string
}

// allow reports whether the server/tool pair passes the filter.
func (f *filter) allow(server, tool string) bool {
	path := server + "/" + tool

	for _, pattern := range f.exclude {
		if matched, err := doublestar.Match(pattern, path); err == nil && matched {
			return false
		}
	}

	if len(f.include) == 0 {
		return true
	}
	for _, pattern := range f.include {
		if matched, err := doublestar.Match(pattern, path); err == nil && matched {
			return true
		}
	}
	return false
}
