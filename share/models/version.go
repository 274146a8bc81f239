package models

// VersionDescriptor describes one software image known to the firewall.
type VersionDescriptor struct {
	Version    string `json:"version"`
	ReleasedOn string `json:"released_on"`
	SizeMB     int    `json:"size"`
	Downloaded bool   `json:"downloaded"`
	Uploaded   bool   `json:"uploaded"`
	Latest     bool   `json:"latest"`
}

// VersionInventory is the firewall's view of its own software catalog.
type VersionInventory struct {
	CurrentVersion string              `json:"current_version"`
	LatestVersion  string              `json:"latest_version"`
	Versions       []VersionDescriptor `json:"versions"`
}

// Find returns the descriptor for an exact version string, if present.
func (inv *VersionInventory) Find(version string) (VersionDescriptor, bool) {
	for _, v := range inv.Versions {
		if v.Version == version {
			return v, true
		}
	}
	return VersionDescriptor{}, false
}
