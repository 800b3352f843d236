package regionviews

// Version information for the region view coherence engine.
const (
	// Version is the current version of the engine.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides information about the engine build.
type Info struct {
	// Version is the engine version string.
	Version string

	// Model is the coherence model the analysis implements.
	Model string
}

// GetInfo returns information about the engine.
//
// Example:
//
//	info := regionviews.GetInfo()
//	fmt.Printf("regionviews %s (%s)\n", info.Version, info.Model)
func GetInfo() Info {
	return Info{
		Version: Version,
		Model:   "field-precise epoch ledger",
	}
}
