// Package version reports the build of the binary embedding pipeguard.
//
// Values come from -ldflags when set, and otherwise from the module build
// info the Go toolchain records:
//
//	go build -ldflags "-X github.com/kbukum/pipeguard/version.Version=1.4.0"
package version
