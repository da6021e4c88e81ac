package normalize

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var (
	urlRe     = regexp.MustCompile(`https?://[^\s]+`)
	isoDateRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(?:[t ]\d{1,2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:z|[+-]\d{2}:?\d{2})?)?\b`)
	slashDate = regexp.MustCompile(`\b\d{1,2}[/.]\d{1,2}[/.]\d{2,4}\b`)
	clockRe   = regexp.MustCompile(`\b\d{1,2}:\d{2}(?::\d{2})?(?:\s?[ap]\.?m\b\.?)?`)
	spaceRe   = regexp.MustCompile(`\s+`)
)

const edgePunct = " \t-–—•|:;,."

// trackingParams are query keys that vary per share without changing the link target.
var trackingParams = map[string]bool{
	"fbclid": true, "gclid": true, "mc_cid": true, "mc_eid": true,
	"_ga": true, "_gl": true, "cmpid": true, "ref": true, "igshid": true,
}

// identityText reduces s to the part that identifies its meaning: case,
// whitespace, date and time substrings and tracking parameters are dropped.
func identityText(s string) string {
	s = strings.ToLower(s)
	s = urlRe.ReplaceAllStringFunc(s, stripTracking)
	s = isoDateRe.ReplaceAllString(s, " ")
	s = slashDate.ReplaceAllString(s, " ")
	s = clockRe.ReplaceAllString(s, " ")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.Trim(s, edgePunct)
}

func stripTracking(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	q := u.Query()
	for k := range q {
		if strings.HasPrefix(k, "utm_") || trackingParams[k] {
			q.Del(k)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// contentHash returns a stable hex digest of the joined parts.
func contentHash(parts ...string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(strings.Join(parts, "\x1f")))
}
