package serp

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// TargetDomain returns the registrable domain a lookup should be positioned
// for. It prefers the host of page when page is an absolute URL and falls
// back to the property, which may be a URL-prefix property
// ("https://www.example.com/") or a domain property ("sc-domain:example.com").
func TargetDomain(property, page string) string {
	if host := hostOf(page); host != "" {
		return registrable(host)
	}
	if d, ok := strings.CutPrefix(property, "sc-domain:"); ok {
		return registrable(d)
	}
	if host := hostOf(property); host != "" {
		return registrable(host)
	}
	return registrable(property)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Hostname()
}

func registrable(host string) string {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if host == "" {
		return ""
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}
