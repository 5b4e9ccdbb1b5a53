package crisis

import "strings"

// Resource is a hotline shown to users alongside crisis responses
type Resource struct {
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Text    string `json:"text,omitempty"`
	URL     string `json:"url"`
	Country string `json:"country"`
	Hours   string `json:"hours"`
}

// Each served country lists a national lifeline, a text line and at least one
// population-specific line.
var resources = map[string][]Resource{
	"US": {
		{Name: "988 Suicide & Crisis Lifeline", Phone: "988", Text: "988", URL: "https://988lifeline.org", Country: "US", Hours: "24/7"},
		{Name: "Crisis Text Line", Text: "Text HOME to 741741", URL: "https://www.crisistextline.org", Country: "US", Hours: "24/7"},
		{Name: "Veterans Crisis Line", Phone: "988 then press 1", Text: "838255", URL: "https://www.veteranscrisisline.net", Country: "US", Hours: "24/7"},
		{Name: "The Trevor Project", Phone: "1-866-488-7386", Text: "Text START to 678-678", URL: "https://www.thetrevorproject.org", Country: "US", Hours: "24/7"},
	},
	"CA": {
		{Name: "9-8-8 Suicide Crisis Helpline", Phone: "988", Text: "988", URL: "https://988.ca", Country: "CA", Hours: "24/7"},
		{Name: "Kids Help Phone", Phone: "1-800-668-6868", Text: "Text CONNECT to 686868", URL: "https://kidshelpphone.ca", Country: "CA", Hours: "24/7"},
		{Name: "Veterans Affairs Canada Assistance Service", Phone: "1-800-268-7708", URL: "https://www.veterans.gc.ca", Country: "CA", Hours: "24/7"},
	},
	"GB": {
		{Name: "Samaritans", Phone: "116 123", URL: "https://www.samaritans.org", Country: "GB", Hours: "24/7"},
		{Name: "Shout", Text: "Text SHOUT to 85258", URL: "https://giveusashout.org", Country: "GB", Hours: "24/7"},
		{Name: "Combat Stress Helpline", Phone: "0800 138 1619", Text: "07537 173683", URL: "https://combatstress.org.uk", Country: "GB", Hours: "24/7"},
		{Name: "Childline", Phone: "0800 1111", URL: "https://www.childline.org.uk", Country: "GB", Hours: "24/7"},
	},
}

const defaultCountry = "US"

// Resources returns a copy of the hotline table for country, falling back to
// the US table for countries not served.
func Resources(country string) []Resource {
	list, ok := resources[strings.ToUpper(strings.TrimSpace(country))]
	if !ok {
		list = resources[defaultCountry]
	}
	out := make([]Resource, len(list))
	copy(out, list)
	return out
}

// Countries lists the served country codes
func Countries() []string {
	return []string{"US", "CA", "GB"}
}
