package lightroom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Account identifies the authenticated Adobe account.
type Account struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// Catalog is the user's Lightroom catalog. Albums and assets live inside a
// catalog; every upload call needs its id.
type Catalog struct {
	ID   string
	Name string
}

// Album is one album inside a catalog.
type Album struct {
	ID      string
	Subtype string
	Name    string
}

// resource is the generic Lightroom API resource envelope.
type resource struct {
	ID      string          `json:"id"`
	Subtype string          `json:"subtype"`
	Payload json.RawMessage `json:"payload"`
}

type namePayload struct {
	Name string `json:"name"`
}

type albumsResponse struct {
	Resources []resource `json:"resources"`
	Links     struct {
		Next *struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"links"`
}

// decode reads the response body, strips Adobe's security prefix, and
// unmarshals into v.
func (c *Client) decode(resp *http.Response, v any) error {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("lightroom: reading response body: %w", err)
	}

	if err := json.Unmarshal([]byte(stripSecurityPrefix(string(data))), v); err != nil {
		return fmt.Errorf("lightroom: decoding response: %w", err)
	}

	return nil
}

// GetAccount returns the authenticated account. Used as a connection test
// after login and by `lrsync whoami`.
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	resp, err := c.Do(ctx, request{method: http.MethodGet, path: "/v2/account"})
	if err != nil {
		return nil, err
	}

	var acct Account
	if err := c.decode(resp, &acct); err != nil {
		return nil, err
	}

	return &acct, nil
}

// GetCatalog returns the user's catalog.
func (c *Client) GetCatalog(ctx context.Context) (*Catalog, error) {
	resp, err := c.Do(ctx, request{method: http.MethodGet, path: "/v2/catalog"})
	if err != nil {
		return nil, err
	}

	var res resource
	if err := c.decode(resp, &res); err != nil {
		return nil, err
	}

	cat := &Catalog{ID: res.ID}

	var np namePayload
	if len(res.Payload) > 0 {
		if err := json.Unmarshal(res.Payload, &np); err == nil {
			cat.Name = np.Name
		}
	}

	c.logger.Debug("resolved catalog",
		slog.String("catalog_id", cat.ID),
		slog.String("name", cat.Name),
	)

	return cat, nil
}

// ListAlbums returns all albums in the catalog, following pagination links
// until exhausted. Used by the album selection command.
func (c *Client) ListAlbums(ctx context.Context, catalogID string) ([]Album, error) {
	c.logger.Info("listing albums", slog.String("catalog_id", catalogID))

	path := fmt.Sprintf("/v2/catalogs/%s/albums", url.PathEscape(catalogID))

	var albums []Album

	for path != "" {
		resp, err := c.Do(ctx, request{method: http.MethodGet, path: path})
		if err != nil {
			return nil, fmt.Errorf("lightroom: listing albums: %w", err)
		}

		var ar albumsResponse
		if err := c.decode(resp, &ar); err != nil {
			return nil, err
		}

		for _, res := range ar.Resources {
			album := Album{ID: res.ID, Subtype: res.Subtype}

			var np namePayload
			if len(res.Payload) > 0 {
				if err := json.Unmarshal(res.Payload, &np); err == nil {
					album.Name = np.Name
				}
			}

			albums = append(albums, album)
		}

		path = ""

		if ar.Links.Next != nil && ar.Links.Next.Href != "" {
			path = nextPagePath(catalogID, ar.Links.Next.Href)
		}
	}

	c.logger.Info("listed albums", slog.Int("count", len(albums)))

	return albums, nil
}

// nextPagePath resolves a pagination href against the catalog albums
// collection. The API returns hrefs relative to the /v2/catalogs/<id>/
// base; absolute paths are used as-is.
func nextPagePath(catalogID, href string) string {
	if strings.HasPrefix(href, "/") {
		return href
	}

	return fmt.Sprintf("/v2/catalogs/%s/%s", url.PathEscape(catalogID), href)
}
