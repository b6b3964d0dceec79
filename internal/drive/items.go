package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// MIME types with special meaning in Drive.
const (
	// folderMimeType marks folder entries in listing responses.
	folderMimeType = "application/vnd.google-apps.folder"

	// nativeMimePrefix marks Google-native documents (Docs, Sheets, ...).
	// These have no binary content to download and are skipped.
	nativeMimePrefix = "application/vnd.google-apps."
)

// listFields limits listing responses to the fields we consume.
const listFields = "nextPageToken,files(id,name,mimeType,size,modifiedTime)"

// Item describes one transferable unit in the source folder.
// Immutable once produced by the iterator.
type Item struct {
	ID         string
	Name       string
	MimeType   string
	Size       int64
	ModifiedAt time.Time
}

// IsFolder reports whether the item is a Drive folder.
func (i Item) IsFolder() bool {
	return i.MimeType == folderMimeType
}

// fileResponse mirrors the Drive v3 file resource JSON exactly.
// Unexported — callers use Item via toItem() normalization.
// Size is a string in the wire format.
type fileResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	Size         string `json:"size"`
	ModifiedTime string `json:"modifiedTime"`
}

type listFilesResponse struct {
	Files         []fileResponse `json:"files"`
	NextPageToken string         `json:"nextPageToken"`
}

// toItem normalizes a Drive file resource into our Item type.
func (f *fileResponse) toItem(logger *slog.Logger) Item {
	item := Item{
		ID:       f.ID,
		Name:     f.Name,
		MimeType: f.MimeType,
	}

	if f.Size != "" {
		size, err := strconv.ParseInt(f.Size, 10, 64)
		if err != nil {
			logger.Warn("unparseable size, treating as unknown",
				slog.String("item_id", f.ID),
				slog.String("raw", f.Size),
			)
		} else {
			item.Size = size
		}
	}

	if f.ModifiedTime != "" {
		t, err := time.Parse(time.RFC3339, f.ModifiedTime)
		if err != nil {
			logger.Warn("invalid modifiedTime, using current time",
				slog.String("item_id", f.ID),
				slog.String("raw", f.ModifiedTime),
			)

			t = time.Now().UTC()
		}

		item.ModifiedAt = t
	}

	return item
}

// Children returns a lazy iterator over the transferable files directly
// inside folderID. Folders and Google-native documents are skipped.
// Iteration is forward-only and not restartable; call Children again to
// re-enumerate from the start. Items are yielded in API order — callers
// must not assume name or date ordering.
//
// Usage follows the bufio.Scanner idiom:
//
//	it := client.Children(folderID)
//	for it.Next(ctx) {
//	    item := it.Item()
//	    ...
//	}
//	if err := it.Err(); err != nil { ... }
func (c *Client) Children(folderID string) *ChildIterator {
	return &ChildIterator{c: c, folderID: folderID}
}

// ChildIterator pages through a folder listing on demand. Each page request
// carries the continuation cursor from the previous response; the sequence
// is exhausted when a page returns no cursor.
type ChildIterator struct {
	c        *Client
	folderID string

	pageToken string
	exhausted bool
	buf       []Item
	cur       Item
	err       error
	pages     int
}

// Next advances to the next item, fetching pages as needed. Returns false
// when the listing is exhausted or an error occurred (check Err).
func (it *ChildIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}

	for {
		if len(it.buf) > 0 {
			it.cur = it.buf[0]
			it.buf = it.buf[1:]

			// Folders and native docs are not transferable; skip.
			if it.cur.IsFolder() || isNativeDoc(it.cur.MimeType) {
				it.c.logger.Debug("skipping non-transferable entry",
					slog.String("item_id", it.cur.ID),
					slog.String("mime_type", it.cur.MimeType),
				)

				continue
			}

			return true
		}

		if it.exhausted {
			return false
		}

		if !it.fetchPage(ctx) {
			return false
		}
	}
}

// Item returns the item advanced to by the last successful Next call.
func (it *ChildIterator) Item() Item {
	return it.cur
}

// Err returns the first error encountered during iteration, if any.
func (it *ChildIterator) Err() error {
	return it.err
}

// fetchPage requests the next listing page. Transient failures are retried
// inside Client.Do with the same cursor. Returns false on error.
func (it *ChildIterator) fetchPage(ctx context.Context) bool {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("'%s' in parents and trashed=false", it.folderID))
	q.Set("pageSize", strconv.Itoa(it.c.pageSize))
	q.Set("fields", listFields)

	if it.pageToken != "" {
		q.Set("pageToken", it.pageToken)
	}

	resp, err := it.c.Do(ctx, http.MethodGet, "/files?"+q.Encode())
	if err != nil {
		it.err = fmt.Errorf("drive: listing folder %s: %w", it.folderID, err)
		return false
	}
	defer resp.Body.Close()

	var lfr listFilesResponse
	if err := json.NewDecoder(resp.Body).Decode(&lfr); err != nil {
		it.err = fmt.Errorf("drive: decoding listing response: %w", err)
		return false
	}

	it.pages++
	it.buf = make([]Item, 0, len(lfr.Files))

	for i := range lfr.Files {
		it.buf = append(it.buf, lfr.Files[i].toItem(it.c.logger))
	}

	it.c.logger.Debug("fetched listing page",
		slog.String("folder_id", it.folderID),
		slog.Int("page", it.pages),
		slog.Int("count", len(it.buf)),
	)

	it.pageToken = lfr.NextPageToken
	if it.pageToken == "" {
		it.exhausted = true
	}

	return true
}

// isNativeDoc reports whether the MIME type is a Google-native document
// format with no downloadable binary content.
func isNativeDoc(mimeType string) bool {
	return strings.HasPrefix(mimeType, nativeMimePrefix) && mimeType != folderMimeType
}

// File retrieves metadata for a single file by ID.
func (c *Client) File(ctx context.Context, itemID string) (*Item, error) {
	q := url.Values{}
	q.Set("fields", "id,name,mimeType,size,modifiedTime")

	resp, err := c.Do(ctx, http.MethodGet, "/files/"+url.PathEscape(itemID)+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var fr fileResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, fmt.Errorf("drive: decoding file response: %w", err)
	}

	item := fr.toItem(c.logger)

	return &item, nil
}

// Folder retrieves metadata for a folder and verifies it is one.
func (c *Client) Folder(ctx context.Context, folderID string) (*Item, error) {
	item, err := c.File(ctx, folderID)
	if err != nil {
		return nil, err
	}

	if !item.IsFolder() {
		return nil, fmt.Errorf("drive: %s is not a folder (mime type %s)", folderID, item.MimeType)
	}

	return item, nil
}

// ListFolders returns all folders the account can see, for the folder
// selection command. Paginates eagerly — folder counts are small compared
// to file counts.
func (c *Client) ListFolders(ctx context.Context) ([]Item, error) {
	c.logger.Info("listing folders")

	var (
		folders   []Item
		pageToken string
	)

	for {
		q := url.Values{}
		q.Set("q", fmt.Sprintf("mimeType='%s' and trashed=false", folderMimeType))
		q.Set("pageSize", strconv.Itoa(c.pageSize))
		q.Set("fields", listFields)

		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		resp, err := c.Do(ctx, http.MethodGet, "/files?"+q.Encode())
		if err != nil {
			return nil, fmt.Errorf("drive: listing folders: %w", err)
		}

		var lfr listFilesResponse

		decodeErr := json.NewDecoder(resp.Body).Decode(&lfr)
		resp.Body.Close()

		if decodeErr != nil {
			return nil, fmt.Errorf("drive: decoding folder listing: %w", decodeErr)
		}

		for i := range lfr.Files {
			folders = append(folders, lfr.Files[i].toItem(c.logger))
		}

		if lfr.NextPageToken == "" {
			break
		}

		pageToken = lfr.NextPageToken
	}

	c.logger.Info("listed folders", slog.Int("count", len(folders)))

	return folders, nil
}
