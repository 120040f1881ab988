package bot

import (
	"net/url"
	"strings"
)

// ExtractLink returns the first http(s) URL in text, or "" when there is none.
// A bare domain like example.com/path is accepted and given an https scheme.
func ExtractLink(text string) string {
	for _, field := range strings.Fields(text) {
		field = strings.Trim(field, "<>()[]\"'.,;!?«»")
		if field == "" {
			continue
		}
		candidate := field
		if !strings.Contains(candidate, "://") {
			if !strings.Contains(candidate, ".") || strings.HasPrefix(candidate, "@") {
				continue
			}
			candidate = "https://" + candidate
		}

		u, err := url.Parse(candidate)
		if err != nil {
			continue
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			continue
		}
		host := u.Hostname()
		if host == "" || !strings.Contains(host, ".") || strings.HasPrefix(host, ".") || strings.HasSuffix(host, ".") {
			continue
		}
		return u.String()
	}
	return ""
}
