// ABOUTME: Product and version strings for the voice client and relay
// ABOUTME: Version is overridden at build time with -ldflags
package version

import "fmt"

// Version is the release version, set with -ldflags "-X .../version.Version=x.y.z".
var Version = "0.1.0"

const (
	// Product is the client product name.
	Product = "Resonate Voice"
	// ServerProduct is the relay product name.
	ServerProduct = "Resonate Voice Relay"
	// Manufacturer names the maintainers.
	Manufacturer = "Resonate Protocol"
)

// String is the banner printed by the commands.
func String() string {
	return fmt.Sprintf("%s %s", Product, Version)
}
