// Package build contains build information set at link time, such as
//
//	go build -ldflags "-X github.com/cyberfly-io/flynode/pkg/build.Version=v0.4.0"
package build

// Version is the flynode release version.
var Version = "dev"
