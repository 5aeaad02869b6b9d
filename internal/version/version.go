// ABOUTME: Product and version constants
// ABOUTME: Reported by the command line and in server logs
package version

const (
	Version      = "0.3.0"
	Product      = "Resonate Duplex"
	Manufacturer = "Resonate Protocol"
)

// String is the one-line banner printed by --version
func String() string {
	return Product + " " + Version + " (" + Manufacturer + ")"
}
