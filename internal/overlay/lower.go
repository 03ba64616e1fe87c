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

// Package overlay provides the read-only lower filesystem layer that is
// merged underneath the writable node graph.
package overlay

import (
	"io/fs"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	ignore "github.com/sabhiram/go-gitignore"

	"branchfs/internal/common"
)

// Info describes one lower-layer entry.
type Info struct {
	Name      string
	Size      uint64
	Mode      fs.FileMode
	ModTime   time.Time
	IsDir     bool
	IsSymlink bool
}

// Entry pairs a name with its attributes in a directory listing.
type Entry struct {
	Name string
	Info Info
}

// LowerFS is the read-only view the core merges under its own tree.
type LowerFS interface {
	Stat(path string) (*Info, error)
	ReadDir(path string) ([]Entry, error)
	Readlink(path string) (string, error)
}

// BillyLower implements LowerFS over a billy.Filesystem, with
// gitignore-style exclude patterns and a TTL stat cache.
type BillyLower struct {
	fs      billy.Filesystem
	exclude *ignore.GitIgnore
	cache   *statCache
}

// NewBillyLower wraps fs. exclude patterns use gitignore syntax; matched
// paths are invisible. cacheTTL of 0 disables stat caching.
func NewBillyLower(bfs billy.Filesystem, exclude []string, cacheTTL time.Duration) *BillyLower {
	var matcher *ignore.GitIgnore
	if len(exclude) > 0 {
		matcher = ignore.CompileIgnoreLines(exclude...)
	}
	return &BillyLower{
		fs:      bfs,
		exclude: matcher,
		cache:   newStatCache(cacheTTL, 4096),
	}
}

// NewFromRoot opens a host directory as the lower layer.
func NewFromRoot(root string, exclude []string, cacheTTL time.Duration) *BillyLower {
	return NewBillyLower(osfs.New(root), exclude, cacheTTL)
}

func (l *BillyLower) excluded(path string, isDir bool) bool {
	if l.exclude == nil {
		return false
	}
	check := common.NormalizePath(path)
	if check == "" {
		return false
	}
	if isDir {
		check += "/"
	}
	return l.exclude.MatchesPath(check)
}

func infoFromFileInfo(fi os.FileInfo) Info {
	return Info{
		Name:      fi.Name(),
		Size:      uint64(fi.Size()),
		Mode:      fi.Mode(),
		ModTime:   fi.ModTime(),
		IsDir:     fi.IsDir(),
		IsSymlink: fi.Mode()&fs.ModeSymlink != 0,
	}
}

func (l *BillyLower) Stat(path string) (*Info, error) {
	path = common.NormalizePath(path)
	if cached := l.cache.get(path); cached != nil {
		return cached, nil
	}

	fi, err := l.fs.Lstat("/" + path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	if l.excluded(path, fi.IsDir()) {
		return nil, common.ErrNotFound
	}
	info := infoFromFileInfo(fi)
	l.cache.set(path, &info)
	return &info, nil
}

func (l *BillyLower) ReadDir(path string) ([]Entry, error) {
	path = common.NormalizePath(path)
	if l.excluded(path, true) {
		return nil, common.ErrNotFound
	}

	fis, err := l.fs.ReadDir("/" + path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	var entries []Entry
	for _, fi := range fis {
		child := common.JoinPath(path, fi.Name())
		if l.excluded(child, fi.IsDir()) {
			continue
		}
		info := infoFromFileInfo(fi)
		l.cache.set(child, &info)
		entries = append(entries, Entry{Name: fi.Name(), Info: info})
	}
	return entries, nil
}

func (l *BillyLower) Readlink(path string) (string, error) {
	path = common.NormalizePath(path)
	target, err := l.fs.Readlink("/" + path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", common.ErrNotFound
		}
		return "", err
	}
	return target, nil
}

// InvalidateCache drops all cached stat results.
func (l *BillyLower) InvalidateCache() {
	l.cache.invalidate()
}
