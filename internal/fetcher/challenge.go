package fetcher

import (
	"net/url"
	"regexp"
	"strings"
)

type signature struct {
	name string
	re   *regexp.Regexp
}

// Challenge pages usually come with 200/403/503 and look like regular HTML,
// so they are recognized by content only.
var builtinSignatures = []signature{
	{"cloudflare_just_a_moment", regexp.MustCompile(`(?i)<title>\s*just a moment\.\.\.\s*</title>`)},
	{"cloudflare_chl_opt", regexp.MustCompile(`_cf_chl_opt`)},
	{"cloudflare_browser_verification", regexp.MustCompile(`(?i)cf-browser-verification`)},
	{"cloudflare_challenge_platform", regexp.MustCompile(`/cdn-cgi/challenge-platform/h/`)},
	{"cloudflare_attention_required", regexp.MustCompile(`(?i)<title>\s*attention required!\s*\|\s*cloudflare\s*</title>`)},
	{"datadome", regexp.MustCompile(`(?i)captcha-delivery\.com`)},
	{"perimeterx", regexp.MustCompile(`(?i)id=["']?px-captcha`)},
	{"incapsula", regexp.MustCompile(`(?i)_Incapsula_Resource|Incapsula incident ID`)},
	{"akamai_access_denied", regexp.MustCompile(`(?is)<title>\s*access denied\s*</title>.*reference\s*#`)},
}

var metaRefresh = regexp.MustCompile(`(?i)<meta[^>]+http-equiv=["']?refresh["']?[^>]*content=["']?\s*\d+\s*;\s*url=([^"'>\s]+)`)

// ChallengeDetector recognizes anti-automation challenge pages.
type ChallengeDetector struct {
	signatures []signature
}

// NewChallengeDetector uses the built-in signatures plus extra case-insensitive markers.
func NewChallengeDetector(extra []string) *ChallengeDetector {
	sigs := make([]signature, 0, len(builtinSignatures)+len(extra))
	sigs = append(sigs, builtinSignatures...)
	for _, e := range extra {
		if strings.TrimSpace(e) == "" {
			continue
		}
		sigs = append(sigs, signature{name: "custom:" + e, re: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(e))})
	}
	return &ChallengeDetector{signatures: sigs}
}

// Match returns the name of the first signature found in body.
func (d *ChallengeDetector) Match(pageURL string, body []byte) (string, bool) {
	for _, s := range d.signatures {
		if s.re.Match(body) {
			return s.name, true
		}
	}
	if refreshLoops(pageURL, body) {
		return "meta_refresh_loop", true
	}
	return "", false
}

// refreshLoops reports a meta refresh that points back at the page itself.
func refreshLoops(pageURL string, body []byte) bool {
	m := metaRefresh.FindSubmatch(body)
	if m == nil {
		return false
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	target, err := base.Parse(strings.Trim(string(m[1]), `"'`))
	if err != nil {
		return false
	}
	return target.Host == base.Host && strings.TrimSuffix(target.Path, "/") == strings.TrimSuffix(base.Path, "/") &&
		target.RawQuery == base.RawQuery
}
