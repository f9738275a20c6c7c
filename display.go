package inkframe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DisplayRequest carries the metadata sent with a /display call.
type DisplayRequest struct {
	// DeviceID is the device MAC address.
	DeviceID string
	// AccessToken is the api_key from Setup. It may be empty when registration failed;
	// the request is still sent and the service decides.
	AccessToken string
	// RSSI is the current Wi-Fi signal strength in dBm.
	RSSI int
	// Width and Height describe the panel. Zero values are not sent.
	Width  int
	Height int
	// FirmwareVersion is sent as FW-Version when set.
	FirmwareVersion string
}

// DisplayResponse is the descriptor of the next screen.
type DisplayResponse struct {
	Status int `json:"status"`
	// RawImageURL is the image_url field as sent by the service.
	RawImageURL string `json:"image_url"`
	// Filename names the rendered screen on the service side.
	Filename string `json:"filename"`
	// RefreshRate is the number of seconds to sleep before the next cycle.
	RefreshRate RefreshRate `json:"refresh_rate"`

	// ImageURL is RawImageURL resolved into a fetchable URL.
	ImageURL string `json:"-"`
}

// RefreshInterval returns RefreshRate as a duration.
func (r *DisplayResponse) RefreshInterval() time.Duration {
	return time.Duration(r.RefreshRate) * time.Second
}

// RefreshRate accepts both JSON numbers and numeric strings.
type RefreshRate int

// MaxRefreshRate caps the sleep a descriptor may request. A device told to sleep longer
// would need a manual reset to come back.
const MaxRefreshRate RefreshRate = 7 * 24 * 60 * 60

// UnmarshalJSON implements json.Unmarshaler.
func (r *RefreshRate) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = 0
		return nil
	}
	s := strings.Trim(string(data), `"`)
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f > float64(MaxRefreshRate) {
		return fmt.Errorf("refresh_rate %s: %w", data, ErrRefreshRateInvalid)
	}
	*r = RefreshRate(f)
	return nil
}

// Display fetches the descriptor of the next screen. The response is only returned when
// the image URL is present and the refresh rate lies in (0, MaxRefreshRate].
func (c *Client) Display(ctx context.Context, req DisplayRequest) (*DisplayResponse, error) {
	id := strings.TrimSpace(req.DeviceID)
	if id == "" {
		return nil, ErrDeviceIDMissing
	}
	header := http.Header{}
	header.Set(HeaderID, id)
	header.Set(HeaderAccessToken, req.AccessToken)
	header.Set(HeaderRSSI, strconv.Itoa(req.RSSI))
	if req.Width > 0 {
		header.Set(HeaderWidth, strconv.Itoa(req.Width))
	}
	if req.Height > 0 {
		header.Set(HeaderHeight, strconv.Itoa(req.Height))
	}
	if v := strings.TrimSpace(req.FirmwareVersion); v != "" {
		header.Set(HeaderFirmware, v)
	}

	var out DisplayResponse
	if err := c.getJSON(ctx, displayEndpoint, header, &out); err != nil {
		return nil, err
	}
	if out.Status != 0 && (out.Status < 200 || out.Status >= 300) {
		return nil, &APIError{StatusCode: out.Status, Code: itoa(out.Status)}
	}
	resolved, err := c.ResolveImageURL(out.RawImageURL)
	if err != nil {
		return nil, &ParseError{Endpoint: displayEndpoint, Err: err}
	}
	if out.RefreshRate <= 0 || out.RefreshRate > MaxRefreshRate {
		return nil, &ParseError{Endpoint: displayEndpoint, Err: ErrRefreshRateInvalid}
	}
	out.ImageURL = resolved
	return &out, nil
}

// Download streams the body of url into w and returns the number of bytes written.
// Bodies larger than the client's asset limit fail with ErrAssetTooLarge after the
// limit has been written.
func (c *Client) Download(ctx context.Context, url string, w io.Writer) (int64, error) {
	resp, err := c.get(ctx, url, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
		return 0, buildAPIError(resp.StatusCode, raw)
	}

	sink := &sinkWriter{w: w}
	n, err := io.Copy(sink, io.LimitReader(resp.Body, c.maxAsset))
	if sink.err != nil {
		// Write-side failures belong to the caller's storage, not the network.
		return n, sink.err
	}
	if err != nil {
		return n, &NetworkError{Op: "download", URL: url, Err: err}
	}
	if n == c.maxAsset {
		var extra [1]byte
		if m, _ := io.ReadFull(resp.Body, extra[:]); m > 0 {
			return n, ErrAssetTooLarge
		}
	}
	return n, nil
}

// sinkWriter remembers the first error returned by the destination writer.
type sinkWriter struct {
	w   io.Writer
	err error
}

func (s *sinkWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil && s.err == nil {
		s.err = err
	}
	return n, err
}
