package device

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestParseVersion(t *testing.T) {
	Convey("Version strings parse into (major, minor, micro)", t, func() {
		v, err := ParseVersion("2.1.0")
		So(err, ShouldBeNil)
		So(v, ShouldResemble, Version{Major: 2, Minor: 1, Micro: 0})

		Convey("whitespace is tolerated", func() {
			v, err := ParseVersion(" 1.2.3\n")
			So(err, ShouldBeNil)
			So(v.String(), ShouldEqual, "1.2.3")
		})

		Convey("garbage is rejected", func() {
			_, err := ParseVersion("not-a-version")
			So(err, ShouldNotBeNil)
		})
	})
}

func TestVersionCompatibility(t *testing.T) {
	Convey("Compatibility is decided on major and minor only", t, func() {
		host, _ := ParseVersion("2.1.0")

		cases := []struct {
			remote     string
			compatible bool
		}{
			{"2.1.9", true},
			{"2.1.0", true},
			{"2.2.0", false},
			{"3.0.0", false},
			{"1.1.0", false},
		}

		for _, tc := range cases {
			remote, err := ParseVersion(tc.remote)
			So(err, ShouldBeNil)
			So(host.CompatibleWith(remote), ShouldEqual, tc.compatible)
		}
	})
}
