package aggregator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
)

type changeKind int

const (
	kindAdded changeKind = iota
	kindModified
	kindRemoved
)

type change struct {
	kind    changeKind
	txn     Transaction
	removed RemovedTransaction
}

type memoryItem struct {
	linkage Linkage
	log     []change
	fail    []error
}

// MemoryClient is a deterministic in-process provider. Each item keeps an
// append-only change log; cursors are offsets into it.
type MemoryClient struct {
	mu       sync.Mutex
	pageSize int
	items    map[string]*memoryItem // by access token
	public   map[string]string      // public token -> access token
	calls    int
}

var _ Client = (*MemoryClient)(nil)

func NewMemoryClient(pageSize int) *MemoryClient {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &MemoryClient{pageSize: pageSize, items: map[string]*memoryItem{}, public: map[string]string{}}
}

// AddItem registers an item. Its public token is "public-" + itemID.
func (m *MemoryClient) AddItem(itemID, accessToken, institution string, accounts ...LinkedAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[accessToken] = &memoryItem{linkage: Linkage{
		ItemID:          itemID,
		AccessToken:     accessToken,
		InstitutionName: institution,
		Accounts:        accounts,
	}}
	m.public["public-"+itemID] = accessToken
}

func (m *MemoryClient) Add(accessToken string, txns ...Transaction) {
	m.append(accessToken, kindAdded, txns, nil)
}

func (m *MemoryClient) Modify(accessToken string, txns ...Transaction) {
	m.append(accessToken, kindModified, txns, nil)
}

func (m *MemoryClient) Remove(accessToken string, removed ...RemovedTransaction) {
	m.append(accessToken, kindRemoved, nil, removed)
}

// FailNext queues errors returned by the next FetchChanges calls for the item.
func (m *MemoryClient) FailNext(accessToken string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it := m.items[accessToken]; it != nil {
		it.fail = append(it.fail, errs...)
	}
}

// Calls is the number of FetchChanges calls served so far.
func (m *MemoryClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MemoryClient) append(accessToken string, kind changeKind, txns []Transaction, removed []RemovedTransaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[accessToken]
	if it == nil {
		return
	}
	for _, t := range txns {
		it.log = append(it.log, change{kind: kind, txn: t})
	}
	for _, r := range removed {
		it.log = append(it.log, change{kind: kind, removed: r})
	}
}

type memoryCursor struct {
	Offset int `json:"o"`
	End    int `json:"e,omitempty"` // log length when the pagination run started
}

func encodeCursor(c memoryCursor) string {
	b, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (memoryCursor, error) {
	if s == "" {
		return memoryCursor{}, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return memoryCursor{}, fmt.Errorf("%w: invalid cursor", ErrProvider)
	}
	var c memoryCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return memoryCursor{}, fmt.Errorf("%w: invalid cursor", ErrProvider)
	}
	return c, nil
}

func (m *MemoryClient) FetchChanges(ctx context.Context, req FetchRequest) (ChangePage, error) {
	if err := ctx.Err(); err != nil {
		return ChangePage{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	it := m.items[req.AccessToken]
	if it == nil {
		return ChangePage{}, &APIError{StatusCode: 400, ErrorType: "INVALID_INPUT", ErrorCode: "INVALID_ACCESS_TOKEN", ErrorMessage: "unknown access token"}
	}
	if len(it.fail) > 0 {
		err := it.fail[0]
		it.fail = it.fail[1:]
		return ChangePage{}, err
	}

	cur, err := decodeCursor(req.Cursor)
	if err != nil {
		return ChangePage{}, err
	}
	if cur.Offset > len(it.log) {
		return ChangePage{}, fmt.Errorf("%w: cursor beyond end of feed", ErrProvider)
	}
	end := cur.End
	if end == 0 || end > len(it.log) {
		end = len(it.log)
	}
	count := req.Count
	if count <= 0 {
		count = m.pageSize
	}
	stop := cur.Offset + count
	if stop > end {
		stop = end
	}

	var page ChangePage
	for _, c := range it.log[cur.Offset:stop] {
		switch c.kind {
		case kindAdded:
			page.Added = append(page.Added, c.txn)
		case kindModified:
			page.Modified = append(page.Modified, c.txn)
		case kindRemoved:
			page.Removed = append(page.Removed, c.removed)
		}
	}
	page.HasMore = stop < end
	next := memoryCursor{Offset: stop}
	if page.HasMore {
		next.End = end
	}
	page.NextCursor = encodeCursor(next)
	return page, nil
}

func (m *MemoryClient) CreateLinkToken(ctx context.Context, userID string) (string, error) {
	return "link-memory-" + userID, ctx.Err()
}

func (m *MemoryClient) ExchangePublicToken(ctx context.Context, publicToken string) (Linkage, error) {
	if err := ctx.Err(); err != nil {
		return Linkage{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.public[publicToken]
	if !ok {
		return Linkage{}, &APIError{StatusCode: 400, ErrorType: "INVALID_INPUT", ErrorCode: "INVALID_PUBLIC_TOKEN", ErrorMessage: "unknown public token"}
	}
	return m.items[token].linkage, nil
}
