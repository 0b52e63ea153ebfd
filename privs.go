// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package prefork

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// Special Config.Umask values.  A zero Umask means DefaultUmask, so
// clearing the umask entirely needs UmaskNone.
const (
	UmaskUnset = -1
	UmaskNone  = 0o1000
)

// setUmask applies mask, returning the previous one.
func setUmask(mask int) int {
	if mask == UmaskUnset {
		return UmaskUnset
	}
	return unix.Umask(mask & 0o777)
}

// lookupOwner resolves user and group names (or numeric ids).  A missing
// group defaults to the user's primary group.  -1 means "leave as is".
func lookupOwner(uname, gname string) (uid, gid int, err error) {
	uid, gid = -1, -1
	if uname != "" {
		u, e := user.Lookup(uname)
		if e != nil {
			if u, e = user.LookupId(uname); e != nil {
				return -1, -1, fmt.Errorf("%w: %s", ErrUnknownUser, uname)
			}
		}
		uid, _ = strconv.Atoi(u.Uid)
		gid, _ = strconv.Atoi(u.Gid)
	}
	if gname != "" {
		g, e := user.LookupGroup(gname)
		if e != nil {
			if g, e = user.LookupGroupId(gname); e != nil {
				return -1, -1, fmt.Errorf("%w: %s", ErrUnknownGroup, gname)
			}
		}
		gid, _ = strconv.Atoi(g.Gid)
	}
	return uid, gid, nil
}

// dropPrivileges switches the process to the given group and user.  The
// group must change first, while we still have the privilege to do so.
// Nothing happens if the process already runs as them.
func dropPrivileges(uname, gname string) error {
	uid, gid, e := lookupOwner(uname, gname)
	if e != nil {
		return e
	}
	if gid >= 0 && gid != unix.Getgid() {
		if e := unix.Setgroups([]int{gid}); e != nil {
			return fmt.Errorf("setgroups %d: %w", gid, e)
		}
		if e := unix.Setgid(gid); e != nil {
			return fmt.Errorf("setgid %d: %w", gid, e)
		}
	}
	if uid >= 0 && uid != unix.Getuid() {
		if e := unix.Setuid(uid); e != nil {
			return fmt.Errorf("setuid %d: %w", uid, e)
		}
	}
	return nil
}
