package lightroom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Asset subtypes understood by the Partner API.
const (
	subtypeImage = "image"
	subtypeVideo = "video"
)

// importedOnDevice is reported in the asset import source payload.
const importedOnDevice = "lrsync"

// Asset describes the item being uploaded.
type Asset struct {
	// Name is the display file name. Normalized to NFC before upload so
	// names from sources that emit decomposed Unicode render consistently.
	Name string

	// MimeType drives the asset subtype. Types outside image/* and
	// video/* are rejected with ErrUnsupportedMedia before any network
	// call — the destination has no representation for them.
	MimeType string

	// Size is the content length in bytes. Zero means unknown.
	Size int64

	// CapturedAt is recorded as the asset capture date. Zero means now.
	CapturedAt time.Time

	// ImportedBy is the account id recorded in the import source.
	ImportedBy string
}

// importSource is the provenance block recorded on new assets.
type importSource struct {
	FileName         string `json:"fileName"`
	ImportedOnDevice string `json:"importedOnDevice"`
	ImportedBy       string `json:"importedBy,omitempty"`
	ImportTimestamp  string `json:"importTimestamp"`
}

// createAssetPayload is the JSON body for the asset creation step.
type createAssetPayload struct {
	Subtype string `json:"subtype"`
	Payload struct {
		CaptureDate  string       `json:"captureDate"`
		ImportSource importSource `json:"importSource"`
	} `json:"payload"`
}

// albumResource is one entry in the album association request.
type albumResource struct {
	ID      string `json:"id"`
	Payload struct {
		Cover bool `json:"cover"`
	} `json:"payload"`
}

// addToAlbumPayload is the JSON body for the album association step.
type addToAlbumPayload struct {
	Resources []albumResource `json:"resources"`
}

// Upload pushes one item into an album using the Partner API's three-step
// protocol:
//
//  1. create the asset (PUT assets/<id> with If-None-Match: * so an id
//     collision cannot overwrite an existing asset)
//  2. upload the binary master (PUT assets/<id>/master, streamed)
//  3. associate the asset with the album (PUT albums/<album>/assets)
//
// Step 3 failure is logged but not returned — the asset exists in the
// catalog either way. There is no existence check: every call creates a
// new asset, so repeated uploads of the same source item produce
// duplicates. Returns the new asset id.
func (c *Client) Upload(ctx context.Context, catalogID, albumID string, asset Asset, content io.Reader) (string, error) {
	subtype, err := assetSubtype(asset.MimeType)
	if err != nil {
		return "", err
	}

	assetID := c.newAssetID()

	c.logger.Debug("uploading asset",
		slog.String("asset_id", assetID),
		slog.String("name", asset.Name),
		slog.String("subtype", subtype),
		slog.Int64("size", asset.Size),
	)

	if err := c.createAsset(ctx, catalogID, assetID, subtype, asset); err != nil {
		return "", fmt.Errorf("lightroom: creating asset for %q: %w", asset.Name, err)
	}

	if err := c.uploadMaster(ctx, catalogID, assetID, asset, content); err != nil {
		return "", fmt.Errorf("lightroom: uploading master for %q: %w", asset.Name, err)
	}

	if err := c.addToAlbum(ctx, catalogID, albumID, assetID); err != nil {
		// The upload stands; only the album association failed.
		c.logger.Warn("asset uploaded but album association failed",
			slog.String("asset_id", assetID),
			slog.String("album_id", albumID),
			slog.String("error", err.Error()),
		)
	}

	c.logger.Debug("asset uploaded",
		slog.String("asset_id", assetID),
		slog.String("name", asset.Name),
	)

	return assetID, nil
}

// createAsset performs step 1 of the upload protocol.
func (c *Client) createAsset(ctx context.Context, catalogID, assetID, subtype string, asset Asset) error {
	capturedAt := asset.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}

	var payload createAssetPayload
	payload.Subtype = subtype
	payload.Payload.CaptureDate = capturedAt.Format(time.RFC3339)
	payload.Payload.ImportSource.FileName = norm.NFC.String(asset.Name)
	payload.Payload.ImportSource.ImportedOnDevice = importedOnDevice
	payload.Payload.ImportSource.ImportedBy = asset.ImportedBy
	payload.Payload.ImportSource.ImportTimestamp = time.Now().UTC().Format(time.RFC3339)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding asset payload: %w", err)
	}

	resp, err := c.Do(ctx, request{
		method:      http.MethodPut,
		path:        assetPath(catalogID, assetID),
		body:        bytes.NewReader(body),
		contentType: "application/json",
		// Refuse to overwrite should the generated id collide.
		headers: map[string]string{"If-None-Match": "*"},
	})
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

// uploadMaster performs step 2: the streamed binary upload. No internal
// retry — the content reader is consumed; the sync engine retries the whole
// fetch+upload pair with a fresh stream.
func (c *Client) uploadMaster(ctx context.Context, catalogID, assetID string, asset Asset, content io.Reader) error {
	resp, err := c.DoStream(ctx,
		http.MethodPut,
		assetPath(catalogID, assetID)+"/master",
		content,
		asset.MimeType,
		asset.Size,
	)
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

// addToAlbum performs step 3: album association.
func (c *Client) addToAlbum(ctx context.Context, catalogID, albumID, assetID string) error {
	payload := addToAlbumPayload{
		Resources: []albumResource{{ID: assetID}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding album payload: %w", err)
	}

	resp, err := c.Do(ctx, request{
		method:      http.MethodPut,
		path:        fmt.Sprintf("/v2/catalogs/%s/albums/%s/assets", url.PathEscape(catalogID), url.PathEscape(albumID)),
		body:        bytes.NewReader(body),
		contentType: "application/json",
	})
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

// assetPath returns the asset resource path within a catalog.
func assetPath(catalogID, assetID string) string {
	return fmt.Sprintf("/v2/catalogs/%s/assets/%s", url.PathEscape(catalogID), url.PathEscape(assetID))
}

// assetSubtype maps a MIME type to the Partner API asset subtype. Only
// image/* and video/* exist in the destination's data model.
func assetSubtype(mimeType string) (string, error) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return subtypeImage, nil
	case strings.HasPrefix(mimeType, "video/"):
		return subtypeVideo, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMedia, mimeType)
	}
}
