package resolver

import (
	"strings"

	"brandsight.systems/adscope/pkg/ytdlp"
)

// renditionStrategy is one step in the ordered fallback chain for picking a
// stream rendition. Strategies are evaluated in sequence; adding a new
// fallback is a pure append.
type renditionStrategy struct {
	name  string
	match func(f ytdlp.Format) bool
}

var renditionStrategies = []renditionStrategy{
	// Preferred: audio+video in one progressive stream, no extra
	// decryption step. Fetchable with a single plain HTTP request.
	{name: "muxed-progressive", match: func(f ytdlp.Format) bool {
		return isMuxed(f) && isProgressive(f) && !f.HasDRM
	}},
	// Fallback: any muxed rendition, best quality first. DRM-flagged
	// renditions are eligible here; if the stream turns out unreadable the
	// extraction step reports it.
	{name: "muxed-any", match: isMuxed},
}

// selectRendition walks the strategy chain and returns the highest-bitrate
// rendition matched by the first strategy that matches anything. Returns
// false when no strategy matches (no muxed rendition exists at all).
func selectRendition(formats []ytdlp.Format) (ytdlp.Format, string, bool) {
	for _, strat := range renditionStrategies {
		var best ytdlp.Format
		found := false
		for _, f := range formats {
			if !strat.match(f) {
				continue
			}
			if !found || f.TBR > best.TBR {
				best = f
				found = true
			}
		}
		if found {
			return best, strat.name, true
		}
	}
	return ytdlp.Format{}, "", false
}

func isMuxed(f ytdlp.Format) bool {
	return f.URL != "" &&
		f.VCodec != "" && f.VCodec != "none" &&
		f.ACodec != "" && f.ACodec != "none"
}

func isProgressive(f ytdlp.Format) bool {
	switch {
	case f.Protocol == "" || f.Protocol == "https" || f.Protocol == "http":
		return true
	case strings.HasPrefix(f.Protocol, "m3u8"), f.Protocol == "http_dash_segments":
		return false
	default:
		return false
	}
}
