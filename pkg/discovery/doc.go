// ABOUTME: mDNS service discovery package
// ABOUTME: Discover and advertise voice relay servers on the local network
// Package discovery provides mDNS service discovery for voice relay servers.
//
// Example:
//
//	servers, err := discovery.Discover(ctx, 3*time.Second)
//	for _, s := range servers {
//	    fmt.Printf("Found: %s at %s\n", s.Name, s.Addr())
//	}
package discovery
