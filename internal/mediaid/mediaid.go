// Package mediaid reduces user-supplied media URLs to a stable, canonical
// content identity so that the same asset submitted through different links
// (short-link, embed, shorts) deduplicates to one fingerprint.
package mediaid

import (
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// ErrNotPlatformURL is returned when a reference does not match any
// recognized streaming-platform URL shape.
var ErrNotPlatformURL = errors.New("mediaid: not a recognized platform url")

// Well-known host aliases. Key: input host. Value: canonical domain.
//
// Keep this intentionally conservative: we only alias hosts that are truly the
// same source platform from a user perspective.
var canonicalDomainByHost = map[string]string{
	"youtube.com":     "youtube.com",
	"www.youtube.com": "youtube.com",
	"m.youtube.com":   "youtube.com",
	"youtu.be":        "youtube.com",

	"vimeo.com":        "vimeo.com",
	"www.vimeo.com":    "vimeo.com",
	"player.vimeo.com": "vimeo.com",

	"tiktok.com":     "tiktok.com",
	"www.tiktok.com": "tiktok.com",
	"m.tiktok.com":   "tiktok.com",
}

// Identity is the canonical identity of one piece of platform-hosted media.
type Identity struct {
	// Domain is the canonical platform domain, e.g. "youtube.com".
	Domain string
	// ContentID is the platform's native identifier for the media.
	ContentID string
	// CanonicalURL is the normalized watch URL for the media.
	CanonicalURL string
}

// UUID returns the deterministic UUIDv5 for this identity. The namespace is
// derived from the canonical domain so identifiers never collide across
// platforms.
func (id Identity) UUID() uuid.UUID {
	return ContentUUID(id.Domain, id.ContentID)
}

// ResolveCanonicalDomain returns the canonical domain for host.
//
// host should be a hostname without port.
func ResolveCanonicalDomain(host string) string {
	h := normalizeHost(host)
	if h == "" {
		return ""
	}
	if c, ok := canonicalDomainByHost[h]; ok {
		return c
	}
	return h
}

// NamespaceUUIDForDomain returns a deterministic UUIDv5 namespace for a domain.
func NamespaceUUIDForDomain(domain string) uuid.UUID {
	d := strings.TrimSpace(strings.ToLower(domain))
	d = strings.TrimSuffix(d, ".")
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(d))
}

// ContentUUID returns a deterministic UUIDv5 for a (domain, contentID) pair.
//
// The name string is exactly "{contentID}"; the domain is already scoped by
// the namespace.
func ContentUUID(domain string, contentID string) uuid.UUID {
	d := strings.TrimSpace(strings.ToLower(domain))
	d = strings.TrimSuffix(d, ".")
	v := strings.TrimSpace(contentID)

	ns := NamespaceUUIDForDomain(d)
	return uuid.NewSHA1(ns, []byte(v))
}

// Parse extracts the canonical content identity from a platform URL.
//
// It recognizes canonical watch URLs, short-link domains, embed paths and
// shorts paths. Extraction never depends on query-string ordering. Returns
// ErrNotPlatformURL for anything else (including plain direct-media URLs).
func Parse(reference string) (*Identity, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, ErrNotPlatformURL
	}

	u, err := url.Parse(reference)
	if err != nil {
		return nil, ErrNotPlatformURL
	}
	if u.Scheme == "" {
		// Best effort: treat as https.
		u, err = url.Parse("https://" + reference)
		if err != nil {
			return nil, ErrNotPlatformURL
		}
	}

	host := normalizeHost(u.Host)
	canon := ResolveCanonicalDomain(host)

	switch canon {
	case "youtube.com":
		id := extractYouTubeID(u, host)
		if id == "" {
			return nil, ErrNotPlatformURL
		}
		return &Identity{
			Domain:       "youtube.com",
			ContentID:    id,
			CanonicalURL: "https://youtube.com/watch?v=" + url.QueryEscape(id),
		}, nil
	case "vimeo.com":
		id := extractVimeoID(u)
		if id == "" {
			return nil, ErrNotPlatformURL
		}
		return &Identity{
			Domain:       "vimeo.com",
			ContentID:    id,
			CanonicalURL: "https://vimeo.com/" + url.PathEscape(id),
		}, nil
	case "tiktok.com":
		id := extractTikTokID(u)
		if id == "" {
			return nil, ErrNotPlatformURL
		}
		return &Identity{
			Domain:       "tiktok.com",
			ContentID:    id,
			CanonicalURL: u.Scheme + "://tiktok.com" + u.Path,
		}, nil
	}

	return nil, ErrNotPlatformURL
}

// IsPlatformHost reports whether host belongs to a platform we can
// canonicalize. Ports and case are ignored.
func IsPlatformHost(host string) bool {
	_, ok := canonicalDomainByHost[normalizeHost(host)]
	return ok
}

func extractYouTubeID(u *url.URL, host string) string {
	// youtu.be shortlinks carry the ID as the first path segment.
	if host == "youtu.be" {
		return firstPathSegment(u.Path)
	}

	// /watch?v= is the canonical shape. Query order must not matter, so go
	// through Query() rather than matching the raw string.
	if q := u.Query().Get("v"); q != "" {
		return strings.TrimSpace(q)
	}

	for _, prefix := range []string{"/embed/", "/v/", "/shorts/", "/live/"} {
		if strings.HasPrefix(u.Path, prefix) {
			if id := firstPathSegment(strings.TrimPrefix(u.Path, prefix)); id != "" {
				return id
			}
		}
	}
	return ""
}

func extractVimeoID(u *url.URL) string {
	p := strings.TrimPrefix(u.Path, "/video")
	seg := firstPathSegment(p)
	if seg == "" {
		return ""
	}
	// Vimeo IDs are numeric.
	for _, r := range seg {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return seg
}

func extractTikTokID(u *url.URL) string {
	// Shape: /@user/video/{id}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "video" && i+1 < len(parts) {
			return strings.TrimSpace(parts[i+1])
		}
	}
	return ""
}

func normalizeHost(hostport string) string {
	h := strings.TrimSpace(strings.ToLower(hostport))
	if h == "" {
		return ""
	}
	// url.URL.Host may include port.
	if strings.Contains(h, ":") {
		if parsed, err := url.Parse("//" + h); err == nil {
			if parsed.Hostname() != "" {
				h = parsed.Hostname()
			}
		}
	}
	h = strings.TrimSuffix(h, ".")
	return h
}

func firstPathSegment(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return ""
	}
	seg, _, _ := strings.Cut(p, "/")
	return strings.TrimSpace(seg)
}
