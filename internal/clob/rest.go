package clob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	ProdRESTURL = "https://clob.polymarket.com"

	bookPath   = "/book"
	ordersPath = "/data/orders"

	// endCursor marks the last page of a paginated listing.
	endCursor = "LTE="
)

var (
	ErrHTTPStatus   = errors.New("unexpected http status")
	ErrUnauthorized = errors.New("authenticated endpoint requires credentials")
)

// HeaderSigner adds the exchange's authentication headers to a request.
type HeaderSigner interface {
	SignHeaders(h http.Header, method, path string, body []byte) error
}

// RESTClient polls the exchange's REST snapshot endpoints.
type RESTClient struct {
	baseURL string
	http    *http.Client
	signer  HeaderSigner
}

// NewRESTClient creates a client for baseURL. A nil httpClient uses a client
// with a 10s timeout; a nil signer restricts the client to public endpoints.
func NewRESTClient(baseURL string, httpClient *http.Client, signer HeaderSigner) *RESTClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = ProdRESTURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		signer:  signer,
	}
}

// OrderBook fetches the current book snapshot for one asset.
func (c *RESTClient) OrderBook(ctx context.Context, assetID string) (OrderBook, error) {
	q := url.Values{"token_id": {assetID}}
	body, err := c.get(ctx, bookPath, q, false)
	if err != nil {
		return OrderBook{}, err
	}
	return DecodeOrderBook(body)
}

// OrderBooks fetches snapshots for several assets in order.
func (c *RESTClient) OrderBooks(ctx context.Context, assetIDs []string) ([]OrderBook, error) {
	out := make([]OrderBook, 0, len(assetIDs))
	for _, id := range assetIDs {
		ob, err := c.OrderBook(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("book %s: %w", id, err)
		}
		out = append(out, ob)
	}
	return out, nil
}

type ordersPage struct {
	Data       []json.RawMessage `json:"data"`
	NextCursor string            `json:"next_cursor"`
}

// LiveOrders lists the account's open orders on one market, following
// pagination to the end.
func (c *RESTClient) LiveOrders(ctx context.Context, market string) ([]HouseOrder, error) {
	if c.signer == nil {
		return nil, ErrUnauthorized
	}

	var out []HouseOrder
	cursor := ""
	for {
		q := url.Values{}
		if market != "" {
			q.Set("market", market)
		}
		if cursor != "" {
			q.Set("next_cursor", cursor)
		}
		body, err := c.get(ctx, ordersPath, q, true)
		if err != nil {
			return nil, err
		}

		var page ordersPage
		if err := json.Unmarshal(body, &page); err != nil {
			// Some deployments return a bare array without pagination.
			var arr []json.RawMessage
			if err2 := json.Unmarshal(body, &arr); err2 != nil {
				return nil, fmt.Errorf("%w: orders: %v", ErrMalformedFrame, err)
			}
			page = ordersPage{Data: arr, NextCursor: endCursor}
		}
		for _, raw := range page.Data {
			o, err := DecodeHouseOrder(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, o)
		}

		if page.NextCursor == "" || page.NextCursor == endCursor || page.NextCursor == cursor {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

func (c *RESTClient) get(ctx context.Context, path string, q url.Values, auth bool) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if auth {
		if err := c.signer.SignHeaders(req.Header, http.MethodGet, path, nil); err != nil {
			return nil, fmt.Errorf("sign %s: %w", path, err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s %d: %s", ErrHTTPStatus, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
