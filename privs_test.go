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
	"errors"
	"os"
	"os/user"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLookupOwner(t *testing.T) {
	Convey("Users and groups resolve", t, func() {
		me, e := user.Current()
		So(e, ShouldBeNil)

		uid, gid, e := lookupOwner(me.Username, "")
		So(e, ShouldBeNil)
		So(uid, ShouldEqual, os.Getuid())
		So(gid, ShouldBeGreaterThanOrEqualTo, 0)

		uid, _, e = lookupOwner(me.Uid, "")
		So(e, ShouldBeNil)
		So(uid, ShouldEqual, os.Getuid())

		uid, gid, e = lookupOwner("", "")
		So(e, ShouldBeNil)
		So(uid, ShouldEqual, -1)
		So(gid, ShouldEqual, -1)

		Convey("Dropping to ourselves is a no-op", func() {
			So(dropPrivileges(me.Username, ""), ShouldBeNil)
		})
	})

	Convey("Unknown names are errors", t, func() {
		_, _, e := lookupOwner("no-such-user-prefork", "")
		So(errors.Is(e, ErrUnknownUser), ShouldBeTrue)
		_, _, e = lookupOwner("", "no-such-group-prefork")
		So(errors.Is(e, ErrUnknownGroup), ShouldBeTrue)
	})

	Convey("Umask is applied unless unset", t, func() {
		So(setUmask(UmaskUnset), ShouldEqual, UmaskUnset)
		old := setUmask(0o027)
		So(setUmask(old), ShouldEqual, 0o027)

		old = setUmask(UmaskNone)
		So(setUmask(old), ShouldEqual, 0)
	})
}
