package inkframe

import (
	"context"
	"net/http"
	"strings"
)

// SetupResponse matches the /setup payload.
type SetupResponse struct {
	// Status mirrors the HTTP status inside the body; some servers answer 200 with status 404.
	Status int `json:"status"`
	// APIKey is the access token the device presents on later calls.
	APIKey string `json:"api_key"`
	// FriendlyID is the short code shown to users when pairing the device.
	FriendlyID string `json:"friendly_id"`
	// ImageURL optionally points at a pairing screen.
	ImageURL string `json:"image_url"`
	// Message carries a human-readable reason on failure.
	Message string `json:"message"`
}

// Setup registers the device identified by deviceID (its MAC address) and returns its access token.
func (c *Client) Setup(ctx context.Context, deviceID string) (*SetupResponse, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, ErrDeviceIDMissing
	}
	header := http.Header{}
	header.Set(HeaderID, deviceID)

	var out SetupResponse
	if err := c.getJSON(ctx, setupEndpoint, header, &out); err != nil {
		return nil, err
	}
	if out.Status != 0 && (out.Status < 200 || out.Status >= 300) {
		return nil, &APIError{StatusCode: out.Status, Code: itoa(out.Status), Message: out.Message}
	}
	if strings.TrimSpace(out.APIKey) == "" {
		return nil, &ParseError{Endpoint: setupEndpoint, Err: ErrAccessTokenMissing}
	}
	return &out, nil
}
