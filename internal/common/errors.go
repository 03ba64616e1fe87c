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
	"errors"
	"syscall"
)

// Core error taxonomy. Every failure path in the filesystem core returns one
// of these sentinels (possibly wrapped); front-ends map them to their own
// error conventions via Errno.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrNotADirectory  = errors.New("not a directory")
	ErrIsADirectory   = errors.New("is a directory")
	ErrAccessDenied   = errors.New("access denied")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidName    = errors.New("invalid name")
	ErrBusy           = errors.New("resource busy")
	ErrUnsupported    = errors.New("operation not supported")
	ErrBadDescriptor  = errors.New("bad file descriptor")
	ErrNotImplemented = errors.New("not implemented")
	ErrNoSpace        = errors.New("no space left")
	ErrIO             = errors.New("I/O error")
)

// Errno maps a core error to the closest POSIX errno.
// Unrecognized errors map to EIO.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrAlreadyExists):
		return syscall.EEXIST
	case errors.Is(err, ErrNotADirectory):
		return syscall.ENOTDIR
	case errors.Is(err, ErrIsADirectory):
		return syscall.EISDIR
	case errors.Is(err, ErrAccessDenied):
		return syscall.EACCES
	case errors.Is(err, ErrInvalidArgument):
		return syscall.EINVAL
	case errors.Is(err, ErrInvalidName):
		return syscall.EINVAL
	case errors.Is(err, ErrBusy):
		return syscall.EBUSY
	case errors.Is(err, ErrUnsupported):
		return syscall.ENOTSUP
	case errors.Is(err, ErrBadDescriptor):
		return syscall.EBADF
	case errors.Is(err, ErrNotImplemented):
		return syscall.ENOSYS
	case errors.Is(err, ErrNoSpace):
		return syscall.ENOSPC
	default:
		return syscall.EIO
	}
}
