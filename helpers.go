package inkframe

import (
	"net/url"
	"strconv"
	"strings"
)

// Header names understood by the content service.
const (
	HeaderID          = "ID"
	HeaderAccessToken = "Access-Token"
	HeaderRSSI        = "RSSI"
	HeaderWidth       = "Width"
	HeaderHeight      = "Height"
	HeaderFirmware    = "FW-Version"
)

func sanitizeBaseURL(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return DefaultBaseURL
	}
	return strings.TrimRight(baseURL, "/")
}

// ResolveImageURL turns the image_url field of a descriptor into a fetchable URL.
//
// Absolute http(s) URLs are kept. Values starting with "/" are resolved against the
// service origin. Anything else is treated as host/path and prefixed with the image scheme.
func (c *Client) ResolveImageURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrImageURLMissing
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return raw, nil
	}
	if strings.HasPrefix(raw, "/") {
		base, err := url.Parse(c.baseURL)
		if err != nil {
			return "", err
		}
		ref, err := url.Parse(raw)
		if err != nil {
			return "", err
		}
		return base.ResolveReference(ref).String(), nil
	}
	return c.imageScheme + raw, nil
}

func itoa(v int) string { return strconv.Itoa(v) }
