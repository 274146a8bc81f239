package upgrade

import (
	"fmt"

	"github.com/hashicorp/go-version"

	"github.com/panupd/panupd/share/models"
)

// BaseImageRequirement is the planner's answer to "does this upgrade need a
// base image first, and is it already on the box".
type BaseImageRequirement struct {
	Required   bool   `json:"required"`
	Version    string `json:"version,omitempty"`
	Downloaded bool   `json:"downloaded"`
}

// RequiredBaseImage determines the base image needed before target can be
// installed. Hotfix suffixes (e.g. "10.1.3-h1") are ignored for the
// major.minor comparison. Within one major.minor series no base image is
// needed; crossing into a new series requires the series' lowest-patch
// release, or for a hotfix target the matching non-hotfix release.
func RequiredBaseImage(current, target string, available []models.VersionDescriptor) (BaseImageRequirement, error) {
	cur, err := version.NewVersion(current)
	if err != nil {
		return BaseImageRequirement{}, fmt.Errorf("invalid current version %q: %v", current, err)
	}
	tgt, err := version.NewVersion(target)
	if err != nil {
		return BaseImageRequirement{}, fmt.Errorf("invalid target version %q: %v", target, err)
	}

	curSeg, tgtSeg := cur.Segments(), tgt.Segments()
	if curSeg[0] == tgtSeg[0] && curSeg[1] == tgtSeg[1] {
		return BaseImageRequirement{}, nil
	}

	var baseVersion string
	if tgt.Prerelease() != "" {
		// hotfix target: the base is the plain release it patches
		baseVersion = fmt.Sprintf("%d.%d.%d", tgtSeg[0], tgtSeg[1], tgtSeg[2])
	} else {
		baseVersion, err = lowestPatchInSeries(tgtSeg[0], tgtSeg[1], available)
		if err != nil {
			return BaseImageRequirement{}, err
		}
	}

	req := BaseImageRequirement{Required: true, Version: baseVersion}
	for _, v := range available {
		if v.Version == baseVersion {
			req.Downloaded = v.Downloaded
			break
		}
	}
	return req, nil
}

func lowestPatchInSeries(major, minor int, available []models.VersionDescriptor) (string, error) {
	found := false
	lowest := 0
	for _, v := range available {
		parsed, err := version.NewVersion(v.Version)
		if err != nil || parsed.Prerelease() != "" {
			// hotfixes are never base images
			continue
		}
		seg := parsed.Segments()
		if seg[0] != major || seg[1] != minor {
			continue
		}
		if !found || seg[2] < lowest {
			found = true
			lowest = seg[2]
		}
	}
	if !found {
		return "", fmt.Errorf("no base image available for the %d.%d series", major, minor)
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, lowest), nil
}

// Plan is the ordered list of work a confirmed upgrade will perform.
type Plan struct {
	CurrentVersion string               `json:"current_version"`
	TargetVersion  string               `json:"target_version"`
	BaseImage      BaseImageRequirement `json:"base_image"`
	DownloadBase   bool                 `json:"download_base"`
	DownloadTarget bool                 `json:"download_target"`
	Steps          []string             `json:"steps"`
}

// BuildPlan validates the target against the firewall's inventory and derives
// the concrete step list. The caller is expected to present Steps to the user
// for confirmation before starting anything.
func BuildPlan(inv *models.VersionInventory, target string) (*Plan, error) {
	if target == "" {
		return nil, fmt.Errorf("no target version selected")
	}
	desc, ok := inv.Find(target)
	if !ok {
		return nil, fmt.Errorf("version %s is not offered by the firewall", target)
	}
	if inv.CurrentVersion == target {
		return nil, fmt.Errorf("the firewall is already running %s", target)
	}

	base, err := RequiredBaseImage(inv.CurrentVersion, target, inv.Versions)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		CurrentVersion: inv.CurrentVersion,
		TargetVersion:  target,
		BaseImage:      base,
		DownloadBase:   base.Required && !base.Downloaded,
		DownloadTarget: !desc.Downloaded,
	}

	if p.DownloadBase {
		p.Steps = append(p.Steps, fmt.Sprintf("Download base image %s", base.Version))
	}
	if p.DownloadTarget {
		p.Steps = append(p.Steps, fmt.Sprintf("Download PAN-OS %s", target))
	}
	p.Steps = append(p.Steps,
		fmt.Sprintf("Install PAN-OS %s", target),
		"Reboot the firewall (automatic)",
		"Monitor the reboot until the device is back online",
	)
	return p, nil
}
