package separation

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// StemNames are the stems the model produces.
var StemNames = []string{"vocals", "drums", "bass", "guitar", "piano", "other"}

const stemExt = ".mp3"

// CollectTracks maps each stem present in dir to its retrieval URL. Missing
// stems are left out.
func CollectTracks(dir, jobID, baseURL string) map[string]string {
	tracks := make(map[string]string, len(StemNames))
	for _, name := range StemNames {
		file := name + stemExt
		info, err := os.Stat(filepath.Join(dir, file))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		tracks[name] = TrackURL(baseURL, jobID, file)
	}
	return tracks
}

// TrackURL is the public address of one stem file.
func TrackURL(baseURL, jobID, file string) string {
	return strings.TrimRight(baseURL, "/") + "/api/tracks/" + url.PathEscape(jobID) + "/" + url.PathEscape(file)
}

// SecureBaseURL upgrades an http base URL to https when its host is the
// public host suffix or one of its subdomains. Other URLs are returned
// unchanged apart from a trailing slash.
func SecureBaseURL(base, publicHostSuffix string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if publicHostSuffix == "" {
		return base
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme != "http" {
		return base
	}
	host := strings.ToLower(u.Hostname())
	suffix := strings.ToLower(strings.TrimPrefix(publicHostSuffix, "."))
	if host == suffix || strings.HasSuffix(host, "."+suffix) {
		u.Scheme = "https"
		return strings.TrimRight(u.String(), "/")
	}
	return base
}
