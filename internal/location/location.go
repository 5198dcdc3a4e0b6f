// Package location reduces the configured node location to what results may disclose.
package location

import (
	"fmt"
	"strings"

	"github.com/uppehq/node/pkg/types"
)

type Privacy string

const (
	PrivacyDisabled    Privacy = "disabled"
	PrivacyCountryOnly Privacy = "country_only"
	PrivacyFull        Privacy = "full"
)

// ParsePrivacy accepts the configuration spelling of a privacy level. Empty means full.
func ParsePrivacy(value string) (Privacy, error) {
	switch p := Privacy(strings.ToLower(strings.TrimSpace(value))); p {
	case "":
		return PrivacyFull, nil
	case PrivacyDisabled, PrivacyCountryOnly, PrivacyFull:
		return p, nil
	default:
		return "", fmt.Errorf("unknown location privacy %q", value)
	}
}

// Apply strips the fields a privacy level does not allow. A missing region is derived
// from the country code.
func Apply(loc types.Location, p Privacy) types.Location {
	loc.Country = strings.ToUpper(strings.TrimSpace(loc.Country))
	if loc.Region == "" && loc.Country != "" {
		loc.Region = RegionFor(loc.Country)
	}
	switch p {
	case PrivacyDisabled:
		return types.Location{Region: "Unknown"}
	case PrivacyCountryOnly:
		loc.City = ""
		return loc
	default:
		return loc
	}
}

var regions = map[string][]string{
	"North America": {"US", "CA", "MX"},
	"Europe": {"GB", "FR", "DE", "IT", "ES", "NL", "BE", "CH", "AT", "SE", "NO", "DK",
		"FI", "PL", "CZ", "PT", "GR", "IE", "HU", "RO", "UA"},
	"Asia":          {"CN", "JP", "KR", "IN", "SG", "HK", "TW", "TH", "MY", "ID", "PH", "VN"},
	"South America": {"BR", "AR", "CL", "CO", "PE", "VE", "EC", "UY"},
	"Oceania":       {"AU", "NZ"},
	"Middle East":   {"AE", "SA", "IL", "TR", "IR", "IQ", "JO", "KW", "QA", "BH", "OM"},
	"Africa":        {"ZA", "EG", "NG", "KE", "MA", "GH", "ET", "TZ", "UG"},
}

var regionByCountry = func() map[string]string {
	out := make(map[string]string)
	for region, codes := range regions {
		for _, code := range codes {
			out[code] = region
		}
	}
	return out
}()

// RegionFor maps an ISO country code to a coarse world region.
func RegionFor(country string) string {
	if r, ok := regionByCountry[strings.ToUpper(country)]; ok {
		return r
	}
	return "Other"
}
