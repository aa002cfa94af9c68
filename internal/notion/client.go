// Package notion wraps the Notion API calls the mirror writer needs.
//
// Every method maps one request onto jomei/notionapi and converts the
// response into the shapes used by the index and sync packages.
package notion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/chainguard-dev/clog"
	"github.com/jomei/notionapi"

	"github.com/JohanCodinha/ghnotion/internal/index"
	"github.com/JohanCodinha/ghnotion/internal/record"
)

// MaxBlocksPerRequest is the largest children array Notion accepts per call.
const MaxBlocksPerRequest = 100

// Client is a Notion API client scoped to one integration token.
type Client struct {
	api *notionapi.Client
}

// New creates a client. httpClient may be nil for the default transport.
// The library gives up on the first 429; callers retry through the retry
// package instead.
func New(token string, httpClient *http.Client) *Client {
	opts := []notionapi.ClientOption{notionapi.WithRetry(1)}
	if httpClient != nil {
		opts = append(opts, notionapi.WithHTTPClient(httpClient))
	}
	return &Client{api: notionapi.NewClient(notionapi.Token(token), opts...)}
}

// QueryDatabase returns one page of database rows starting at cursor.
func (c *Client) QueryDatabase(ctx context.Context, databaseID, cursor string) (index.Page, error) {
	req := &notionapi.DatabaseQueryRequest{PageSize: 100}
	if cursor != "" {
		req.StartCursor = notionapi.Cursor(cursor)
	}
	resp, err := c.api.Database.Query(ctx, notionapi.DatabaseID(databaseID), req)
	if err != nil {
		return index.Page{}, fmt.Errorf("querying database %s: %w", databaseID, err)
	}

	page := index.Page{Records: make([]index.MirrorRecord, 0, len(resp.Results))}
	for _, p := range resp.Results {
		props := make(map[string]string, len(p.Properties))
		for name, prop := range p.Properties {
			props[name] = prop.GetID()
		}
		page.Records = append(page.Records, index.MirrorRecord{
			Handle:     record.MirrorHandle(p.ID),
			Properties: props,
		})
	}
	if resp.HasMore {
		page.NextCursor = string(resp.NextCursor)
	}
	return page, nil
}

// RetrieveNumber reads a number property of one page. A missing, null or
// zero value is reported with ok=false.
func (c *Client) RetrieveNumber(ctx context.Context, handle record.MirrorHandle, property string) (int, bool, error) {
	p, err := c.api.Page.Get(ctx, notionapi.PageID(handle))
	if err != nil {
		return 0, false, fmt.Errorf("retrieving page %s: %w", handle, err)
	}

	var n float64
	switch v := p.Properties[property].(type) {
	case *notionapi.NumberProperty:
		n = v.Number
	case nil:
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("property %q of page %s is %s, not a number", property, handle, v.GetType())
	}
	if n == 0 {
		return 0, false, nil
	}
	return int(n), true, nil
}

// CreatePage creates a row in databaseID. blocks must not exceed
// MaxBlocksPerRequest; append the rest with AppendBlocks.
func (c *Client) CreatePage(ctx context.Context, databaseID string, props notionapi.Properties, blocks []notionapi.Block) (record.MirrorHandle, error) {
	if len(blocks) > MaxBlocksPerRequest {
		return "", fmt.Errorf("create page: %d blocks exceeds the limit of %d", len(blocks), MaxBlocksPerRequest)
	}
	p, err := c.api.Page.Create(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(databaseID),
		},
		Properties: props,
		Children:   blocks,
	})
	if err != nil {
		return "", fmt.Errorf("creating page in database %s: %w", databaseID, err)
	}
	clog.FromContext(ctx).Debugf("notion: created page %s", p.ID)
	return record.MirrorHandle(p.ID), nil
}

// AppendBlocks appends children to an existing page.
func (c *Client) AppendBlocks(ctx context.Context, handle record.MirrorHandle, blocks []notionapi.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	_, err := c.api.Block.AppendChildren(ctx, notionapi.BlockID(handle), &notionapi.AppendBlockChildrenRequest{
		Children: blocks,
	})
	if err != nil {
		return fmt.Errorf("appending %d blocks to page %s: %w", len(blocks), handle, err)
	}
	return nil
}

// UpdatePage overwrites the given properties of a page. Content is untouched.
func (c *Client) UpdatePage(ctx context.Context, handle record.MirrorHandle, props notionapi.Properties) error {
	if _, err := c.api.Page.Update(ctx, notionapi.PageID(handle), &notionapi.PageUpdateRequest{
		Properties: props,
	}); err != nil {
		return fmt.Errorf("updating page %s: %w", handle, err)
	}
	return nil
}

// Me returns the user ID of the integration bot.
func (c *Client) Me(ctx context.Context) (string, error) {
	u, err := c.api.User.Me(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieving bot user: %w", err)
	}
	return string(u.ID), nil
}

// HasCommentFrom reports whether userID authored any comment on the page.
func (c *Client) HasCommentFrom(ctx context.Context, handle record.MirrorHandle, userID string) (bool, error) {
	pagination := &notionapi.Pagination{PageSize: 100}
	for {
		resp, err := c.api.Comment.Get(ctx, notionapi.BlockID(handle), pagination)
		if err != nil {
			return false, fmt.Errorf("listing comments of page %s: %w", handle, err)
		}
		for _, cm := range resp.Results {
			if string(cm.CreatedBy.ID) == userID {
				return true, nil
			}
		}
		if !resp.HasMore || resp.NextCursor == "" {
			return false, nil
		}
		pagination = &notionapi.Pagination{PageSize: 100, StartCursor: resp.NextCursor}
	}
}

// CreateComment posts a comment made of text on the page.
func (c *Client) CreateComment(ctx context.Context, handle record.MirrorHandle, text []notionapi.RichText) error {
	_, err := c.api.Comment.Create(ctx, &notionapi.CommentCreateRequest{
		Parent: notionapi.Parent{
			Type:   notionapi.ParentTypePageID,
			PageID: notionapi.PageID(handle),
		},
		RichText: text,
	})
	if err != nil {
		return fmt.Errorf("commenting on page %s: %w", handle, err)
	}
	return nil
}

// Chunks splits blocks into consecutive slices of at most size elements.
func Chunks(blocks []notionapi.Block, size int) [][]notionapi.Block {
	if size < 1 {
		size = MaxBlocksPerRequest
	}
	var out [][]notionapi.Block
	for len(blocks) > 0 {
		n := min(size, len(blocks))
		out = append(out, blocks[:n])
		blocks = blocks[n:]
	}
	return out
}

// StatusCode extracts the HTTP status of a Notion API error, or 0.
func StatusCode(err error) int {
	var apiErr *notionapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	var rl *notionapi.RateLimitedError
	if errors.As(err, &rl) {
		return http.StatusTooManyRequests
	}
	return 0
}

// IsRateLimited reports whether Notion rejected the request with 429.
// The request was not applied, so retrying cannot duplicate a page.
func IsRateLimited(err error) bool {
	return StatusCode(err) == http.StatusTooManyRequests
}

// IsTransient reports whether err is a 429, a 5xx or a transport failure.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if code := StatusCode(err); code != 0 {
		return code == http.StatusTooManyRequests || code >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
