package checks

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/vrs-kit/vrs/internal/service"
)

// Decorate attaches review links to failed results. Results with any other
// status are returned unchanged. Only Message, GroupLink and DiffLink are
// ever written, so applying it twice gives the same result.
func Decorate(baseURL string, result service.CheckResult) service.CheckResult {
	if !result.Status.Contains(service.StatusFailed) {
		return result
	}

	base := strings.TrimSpace(baseURL)
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}
	id := url.QueryEscape(result.ID)

	result.GroupLink = fmt.Sprintf("%schecksgroupview?id=%s", base, id)
	result.DiffLink = fmt.Sprintf("%scheckview?id=%s", base, id)
	if strings.TrimSpace(result.DiffID) != "" {
		result.DiffLink = fmt.Sprintf("%sdiffview?diffid=%s&id=%s", base, url.QueryEscape(result.DiffID), id)
	}
	result.Message = fmt.Sprintf(
		"To perform the visual check go to url: '%s'\n'%s'",
		result.GroupLink,
		result.DiffLink,
	)
	return result
}
