package auction

import (
	"regexp"
	"strings"
)

var (
	detailPathRe = regexp.MustCompile(`ExptPaucDetail/(\d+)`)
	scheQueryRe  = regexp.MustCompile(`uscrPaucScheId=(\d+)`)
)

// NormalizeAuctionID extracts the auction id from a pasted value: a bare id,
// a lot detail link or a listing URL with the uscrPaucScheId parameter.
func NormalizeAuctionID(raw string) string {
	s := strings.TrimSpace(raw)
	if m := detailPathRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if m := scheQueryRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}
