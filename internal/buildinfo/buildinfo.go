// Package buildinfo reports the ldflags-injected build identity.
package buildinfo

import "fmt"

var (
	BuildVersion string
	BuildDate    string
	BuildCommit  string
)

// String returns a one-line description of the running build, with "N/A"
// for values the build did not inject.
func String() string {
	v, d, c := BuildVersion, BuildDate, BuildCommit
	if v == "" {
		v = "N/A"
	}
	if d == "" {
		d = "N/A"
	}
	if c == "" {
		c = "N/A"
	}
	return fmt.Sprintf("version=%s date=%s commit=%s", v, d, c)
}
