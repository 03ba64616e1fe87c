// Copyright 2025 BranchFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"strings"
)

// Components splits a path into its walkable components. Empty components,
// "." and ".." are all skipped; ".." does NOT walk upward. "/a/./../b"
// therefore resolves to the components ["a", "b"].
func Components(path string) []string {
	var out []string
	for _, part := range strings.Split(path, "/") {
		if part == "" || part == "." || part == ".." {
			continue
		}
		out = append(out, part)
	}
	return out
}

// NormalizePath renders a path as its slash-joined components, with no
// leading or trailing slash. The root becomes "".
func NormalizePath(path string) string {
	return strings.Join(Components(path), "/")
}

// JoinPath joins path components and normalizes the result.
func JoinPath(parts ...string) string {
	return NormalizePath(strings.Join(parts, "/"))
}

// ParentPath returns the parent directory of a path ("" for the root and
// for single-component paths).
func ParentPath(path string) string {
	parts := Components(path)
	if len(parts) <= 1 {
		return ""
	}
	return strings.Join(parts[:len(parts)-1], "/")
}

// BaseName returns the final component of a path ("" for the root).
func BaseName(path string) string {
	parts := Components(path)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// HasPrefixPath reports whether path is equal to or nested under prefix,
// component-wise.
func HasPrefixPath(path, prefix string) bool {
	p := Components(path)
	q := Components(prefix)
	if len(q) > len(p) {
		return false
	}
	for i := range q {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}
