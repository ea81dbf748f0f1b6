package pipeline

import (
	"context"
	neturl "net/url"
	"strings"

	"prospector/internal/logging"
	"prospector/internal/providers"
	"prospector/internal/types"
)

// scrapeSocialMetadata renders each discovered profile and pulls only
// the public meta tags: Open Graph title, description, and image, plus
// the username embedded in the URL. No authenticated content is ever
// touched. Failures are recorded per platform and never fail the
// prospect.
func (r *Run) scrapeSocialMetadata(ctx context.Context, p *types.Prospect) {
	if len(p.SocialProfiles) == 0 {
		return
	}
	meta := make(map[string]types.SocialMetadata, len(p.SocialProfiles))

	for platform, profileURL := range p.SocialProfiles {
		if ctx.Err() != nil {
			return
		}
		entry := types.SocialMetadata{Username: usernameFromURL(profileURL)}

		result, err := r.browser.Render(ctx, profileURL, providers.DesktopViewport, r.browserTimeout)
		if err != nil {
			entry.Error = err.Error()
			meta[platform] = entry
			logging.SocialDebug("run %s %s render failed: %v", r.id, platform, err)
			continue
		}
		if result.Status != providers.RenderOK {
			entry.Error = string(result.Status)
			meta[platform] = entry
			continue
		}

		if title := firstOf(result.Meta, "og:title", "twitter:title", "title"); title != "" {
			entry.DisplayName = cleanProfileTitle(title)
		}
		if bio := firstOf(result.Meta, "og:description", "twitter:description", "description"); bio != "" {
			entry.Bio = bio
		}
		if img := firstOf(result.Meta, "og:image", "twitter:image"); img != "" {
			entry.ImageURL = img
		}
		meta[platform] = entry
	}

	p.SocialMetadata = meta
	logging.Social("run %s %q social metadata collected for %d platforms", r.id, p.CompanyName, len(meta))
}

func firstOf(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// usernameFromURL takes the last meaningful path segment as the handle.
func usernameFromURL(profileURL string) string {
	u, err := neturl.Parse(profileURL)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) == 0 {
		return ""
	}
	handle := segments[len(segments)-1]
	return strings.TrimPrefix(handle, "@")
}

// cleanProfileTitle strips the platform suffixes networks append to
// page titles ("Acme Co | Instagram", "Acme Co - YouTube").
func cleanProfileTitle(title string) string {
	for _, sep := range []string{" | ", " – ", " - ", " • "} {
		if i := strings.Index(title, sep); i > 0 {
			return strings.TrimSpace(title[:i])
		}
	}
	return strings.TrimSpace(title)
}
