package pipeline

import (
	neturl "net/url"
	"strings"

	"prospector/internal/logging"
	"prospector/internal/types"
)

// platformHosts maps each supported platform to its canonical hosts.
var platformHosts = map[string][]string{
	"instagram": {"instagram.com"},
	"facebook":  {"facebook.com", "fb.com"},
	"linkedin":  {"linkedin.com"},
	"twitter":   {"twitter.com", "x.com"},
	"youtube":   {"youtube.com", "youtu.be"},
	"tiktok":    {"tiktok.com"},
}

// discoverSocial builds social_profiles from the extraction's link
// sources in priority order: HTML outbound links first, then links the
// vision model read off the screenshot. The first source to produce a
// platform wins.
func (r *Run) discoverSocial(p *types.Prospect, ex *extraction) {
	profiles := make(map[string]string)

	for _, link := range ex.OutboundLinks {
		platform, normalized := r.normalizeSocialURL(link)
		if platform == "" {
			continue
		}
		if _, taken := profiles[platform]; !taken {
			profiles[platform] = normalized
		}
	}

	for platform, link := range ex.VisionSocial {
		platform = strings.ToLower(strings.TrimSpace(platform))
		if platform == "x" {
			platform = "twitter"
		}
		if _, taken := profiles[platform]; taken {
			continue
		}
		detected, normalized := r.normalizeSocialURL(link)
		if detected == "" || (detected != platform && !r.platformEnabled(platform)) {
			continue
		}
		profiles[detected] = normalized
	}

	if len(profiles) > 0 {
		p.SocialProfiles = profiles
	}
	logging.Social("run %s %q social profiles: %d", r.id, p.CompanyName, len(profiles))
}

// normalizeSocialURL validates a link against the platform host sets
// and returns the canonical form: https scheme, lowercase host, no
// query, no trailing slash. Non-profile paths are rejected.
func (r *Run) normalizeSocialURL(raw string) (platform, normalized string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := neturl.Parse(raw)
	if err != nil {
		return "", ""
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))

	for _, candidate := range r.socialPlatforms {
		for _, canonical := range platformHosts[candidate] {
			if host != canonical && !strings.HasSuffix(host, "."+canonical) {
				continue
			}
			path := strings.TrimRight(u.Path, "/")
			if !isProfilePath(candidate, path) {
				return "", ""
			}
			return candidate, "https://" + canonical + path
		}
	}
	return "", ""
}

func (r *Run) platformEnabled(platform string) bool {
	for _, p := range r.socialPlatforms {
		if p == platform {
			return true
		}
	}
	return false
}

// isProfilePath rejects share dialogs, auth pages, and bare hosts that
// are not a specific profile.
func isProfilePath(platform, path string) bool {
	if path == "" {
		return false
	}
	lower := strings.ToLower(path)
	for _, reject := range []string{"/share", "/sharer", "/intent", "/login", "/signup", "/search", "/hashtag", "/plugins", "/policies", "/legal", "/help"} {
		if strings.HasPrefix(lower, reject) {
			return false
		}
	}
	if platform == "linkedin" {
		return strings.HasPrefix(lower, "/company/") || strings.HasPrefix(lower, "/in/") || strings.HasPrefix(lower, "/school/")
	}
	return true
}
