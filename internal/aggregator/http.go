package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// HTTPConfig configures HTTPClient.
type HTTPConfig struct {
	BaseURL           string
	ClientID          string
	Secret            string // never logged
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// HTTPClient speaks the provider's JSON-over-POST API.
type HTTPClient struct {
	http     *http.Client
	baseURL  string
	clientID string
	secret   string
	limiter  *rate.Limiter
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.ClientID == "" || cfg.Secret == "" {
		return nil, ErrNotConfigured
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &HTTPClient{
		http:     hc,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		clientID: cfg.ClientID,
		secret:   cfg.Secret,
		limiter:  rate.NewLimiter(limit, 1),
	}, nil
}

type wireTransaction struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	Date          string          `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	Name          string          `json:"name"`
	MerchantName  *string         `json:"merchant_name"`
	Pending       bool            `json:"pending"`
}

type syncResponse struct {
	Added    []wireTransaction `json:"added"`
	Modified []wireTransaction `json:"modified"`
	Removed  []struct {
		TransactionID string `json:"transaction_id"`
		AccountID     string `json:"account_id"`
	} `json:"removed"`
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
	RequestID  string `json:"request_id"`
}

func (c *HTTPClient) FetchChanges(ctx context.Context, req FetchRequest) (ChangePage, error) {
	body := map[string]interface{}{"access_token": req.AccessToken}
	if req.Cursor != "" {
		body["cursor"] = req.Cursor
	}
	if req.Count > 0 {
		body["count"] = req.Count
	}
	var resp syncResponse
	if err := c.post(ctx, "/transactions/sync", body, &resp); err != nil {
		return ChangePage{}, err
	}

	page := ChangePage{NextCursor: resp.NextCursor, HasMore: resp.HasMore}
	var err error
	if page.Added, err = convertAll(resp.Added); err != nil {
		return ChangePage{}, err
	}
	if page.Modified, err = convertAll(resp.Modified); err != nil {
		return ChangePage{}, err
	}
	for _, r := range resp.Removed {
		page.Removed = append(page.Removed, RemovedTransaction{TransactionID: r.TransactionID, AccountID: r.AccountID})
	}
	return page, nil
}

func convertAll(in []wireTransaction) ([]Transaction, error) {
	out := make([]Transaction, 0, len(in))
	for _, w := range in {
		d, err := time.Parse("2006-01-02", w.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: transaction %s has bad date %q", ErrProvider, w.TransactionID, w.Date)
		}
		out = append(out, Transaction{
			TransactionID: w.TransactionID,
			AccountID:     w.AccountID,
			Date:          d,
			Amount:        w.Amount,
			Name:          w.Name,
			MerchantName:  w.MerchantName,
			Pending:       w.Pending,
		})
	}
	return out, nil
}

func (c *HTTPClient) CreateLinkToken(ctx context.Context, userID string) (string, error) {
	body := map[string]interface{}{
		"client_name":   "moneysync",
		"language":      "en",
		"country_codes": []string{"US"},
		"user":          map[string]string{"client_user_id": userID},
		"products":      []string{"transactions"},
	}
	var resp struct {
		LinkToken string `json:"link_token"`
	}
	if err := c.post(ctx, "/link/token/create", body, &resp); err != nil {
		return "", err
	}
	return resp.LinkToken, nil
}

func (c *HTTPClient) ExchangePublicToken(ctx context.Context, publicToken string) (Linkage, error) {
	var exch struct {
		AccessToken string `json:"access_token"`
		ItemID      string `json:"item_id"`
	}
	if err := c.post(ctx, "/item/public_token/exchange", map[string]interface{}{"public_token": publicToken}, &exch); err != nil {
		return Linkage{}, err
	}

	var accts struct {
		Accounts []struct {
			AccountID string `json:"account_id"`
			Name      string `json:"name"`
			Type      string `json:"type"`
			Subtype   string `json:"subtype"`
		} `json:"accounts"`
		Item struct {
			InstitutionName string `json:"institution_name"`
		} `json:"item"`
	}
	if err := c.post(ctx, "/accounts/get", map[string]interface{}{"access_token": exch.AccessToken}, &accts); err != nil {
		return Linkage{}, err
	}
	link := Linkage{ItemID: exch.ItemID, AccessToken: exch.AccessToken, InstitutionName: accts.Item.InstitutionName}
	for _, a := range accts.Accounts {
		link.Accounts = append(link.Accounts, LinkedAccount{ID: a.AccountID, Name: a.Name, Type: a.Type, Subtype: a.Subtype})
	}
	return link, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body map[string]interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	body["client_id"] = c.clientID
	body["secret"] = c.secret

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrTransient, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrProvider, path, err)
	}
	return nil
}

func parseError(resp *http.Response) error {
	var body struct {
		ErrorType    string `json:"error_type"`
		ErrorCode    string `json:"error_code"`
		ErrorMessage string `json:"error_message"`
		RequestID    string `json:"request_id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.ErrorMessage == "" {
		body.ErrorMessage = http.StatusText(resp.StatusCode)
	}
	return &APIError{
		StatusCode:   resp.StatusCode,
		ErrorType:    body.ErrorType,
		ErrorCode:    body.ErrorCode,
		ErrorMessage: body.ErrorMessage,
		RequestID:    body.RequestID,
	}
}
