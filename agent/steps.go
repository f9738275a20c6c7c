package agent

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/1set/inkframe"
	"github.com/1set/inkframe/epd"
	"github.com/1set/inkframe/pngstream"
)

// ErrNoAsset is returned by RenderAsset when nothing has been downloaded yet.
var ErrNoAsset = errors.New("agent: no image stored")

// RegisterDevice obtains the access token. On failure the token stays empty and the
// error is returned for the report; the cycle continues without it.
func (a *Agent) RegisterDevice(ctx context.Context, c *Cycle) error {
	logger := a.log(c)
	resp, err := a.svc.Setup(ctx, c.Identity.MAC)
	if err != nil {
		c.AccessToken = ""
		logger.Warn("device registration failed", "error", err)
		return err
	}
	c.AccessToken = resp.APIKey
	c.FriendlyID = resp.FriendlyID
	logger.Info("device registered", "friendly_id", resp.FriendlyID)
	return nil
}

// FetchDescriptor asks the service what to show. The cycle's descriptor is replaced only
// when the response is complete; otherwise the previous one is kept.
func (a *Agent) FetchDescriptor(ctx context.Context, c *Cycle) error {
	logger := a.log(c)
	w, h := a.panel.Size()
	resp, err := a.svc.Display(ctx, inkframe.DisplayRequest{
		DeviceID:        c.Identity.MAC,
		AccessToken:     c.AccessToken,
		RSSI:            c.RSSI,
		Width:           w,
		Height:          h,
		FirmwareVersion: a.firmware,
	})
	if err != nil {
		logger.Warn("display descriptor unavailable; keeping the previous one",
			"error", err, "image_url", c.Descriptor.ImageURL)
		return err
	}
	c.Descriptor = Descriptor{
		ImageURL:        resp.ImageURL,
		RefreshInterval: resp.RefreshInterval(),
		Filename:        resp.Filename,
	}
	c.Fresh = true
	logger.Info("display descriptor received",
		"image_url", c.Descriptor.ImageURL,
		"refresh", c.Descriptor.RefreshInterval,
		"filename", c.Descriptor.Filename)
	return nil
}

// DownloadImage replaces the asset at path with the body of uri. Any existing asset is
// removed first; a failed transfer leaves no asset behind.
func (a *Agent) DownloadImage(ctx context.Context, uri, path string) error {
	_, _, err := a.download(ctx, a.logger, uri, path)
	return err
}

func (a *Agent) download(ctx context.Context, logger *slog.Logger, uri, path string) (int64, string, error) {
	logger = logger.With("url", uri, "path", path)
	if err := a.store.Remove(path); err != nil {
		logger.Error("cannot remove the previous image", "error", err)
		return 0, "", err
	}
	w, err := a.store.Create(path)
	if err != nil {
		logger.Error("cannot create the image file", "error", err)
		return 0, "", err
	}

	hasher := blake3.New()
	n, err := a.svc.Download(ctx, uri, io.MultiWriter(w, hasher))
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		logger.Error("image download failed", "error", err, "bytes", n)
		if rerr := a.store.Remove(path); rerr != nil {
			logger.Warn("cannot remove the partial image", "error", rerr)
		}
		return n, "", err
	}
	digest := hex.EncodeToString(hasher.Sum(nil))
	logger.Info("image downloaded", "bytes", n, "blake3", digest)
	return n, digest, nil
}

// RenderAsset decodes the stored image onto the panel. The image is validated before
// the panel is touched, so a bad file leaves the previous picture on screen.
func (a *Agent) RenderAsset(ctx context.Context, c *Cycle) error {
	logger := a.log(c).With("path", c.AssetPath)
	if err := ctx.Err(); err != nil {
		return err
	}
	ok, err := a.store.Exists(c.AssetPath)
	if err != nil {
		logger.Error("cannot stat the image", "error", err)
		return err
	}
	if !ok {
		logger.Warn("nothing to render")
		return ErrNoAsset
	}

	f, err := a.store.Open(c.AssetPath)
	if err != nil {
		logger.Error("cannot open the image", "error", err)
		return err
	}
	defer f.Close()

	dec, err := pngstream.Open(f)
	if err != nil {
		logger.Error("image is not a supported PNG", "error", err, "bytes", f.Size())
		return err
	}
	hdr := dec.Header()
	renderer := epd.NewRowRenderer(a.panel, hdr, a.invert)
	renderer.Logger = logger

	passes := 0
	err = epd.Render(a.panel, func(int) error {
		passes++
		return dec.Decode(renderer)
	})
	if err != nil {
		logger.Error("render failed", "error", err, "passes", passes)
		return fmt.Errorf("agent: render %s: %w", c.AssetPath, err)
	}
	logger.Info("frame committed",
		"width", hdr.Width, "height", hdr.Height, "format", hdr.Format.String(), "passes", passes)
	return nil
}
