package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/putto11262002/airchat/core"
	"github.com/putto11262002/airchat/pkg/router"
)

// HTTPBackend is a Backend over the admin REST API.
type HTTPBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

type HTTPOption func(*HTTPBackend)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) {
		b.client = c
	}
}

func NewHTTPBackend(baseURL, token string, opts ...HTTPOption) *HTTPBackend {
	b := &HTTPBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SignIn exchanges credentials for a session.
func SignIn(ctx context.Context, baseURL, email, password string, opts ...HTTPOption) (*core.Session, error) {
	b := NewHTTPBackend(baseURL, "", opts...)
	var session core.Session
	body := map[string]string{"email": email, "password": password}
	if err := b.do(ctx, http.MethodPost, "/api/auth/signin", body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Token returns the bearer token the backend authenticates with.
func (b *HTTPBackend) Token() string {
	return b.token
}

// RealtimeURL returns the websocket URL of the realtime endpoint.
func (b *HTTPBackend) RealtimeURL() string {
	u := b.baseURL + "/realtime"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	res, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		var apiErr router.JsonError
		if err := json.NewDecoder(res.Body).Decode(&apiErr); err != nil || apiErr.Err == "" {
			apiErr = router.NewJsonError(res.StatusCode, res.Status)
		}
		apiErr.Code = res.StatusCode
		return fmt.Errorf("%s %s: %w", method, path, apiErr)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

type countResponse struct {
	Count int `json:"count"`
}

func (b *HTTPBackend) ConversationSummaries(ctx context.Context) ([]core.ConversationSummary, error) {
	var summaries []core.ConversationSummary
	if err := b.do(ctx, http.MethodGet, "/api/admin/chats", nil, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (b *HTTPBackend) UnreadChatCount(ctx context.Context) (int, error) {
	var res countResponse
	if err := b.do(ctx, http.MethodGet, "/api/admin/chats/unread-count", nil, &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (b *HTTPBackend) OpenReportCount(ctx context.Context) (int, error) {
	var res countResponse
	if err := b.do(ctx, http.MethodGet, "/api/reports/count", nil, &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (b *HTTPBackend) MarkConversationRead(ctx context.Context, roomID string) error {
	return b.do(ctx, http.MethodPost, "/api/admin/chats/"+url.PathEscape(roomID)+"/read", nil, nil)
}

func (b *HTTPBackend) Room(ctx context.Context, roomID string) (*core.Room, error) {
	var room core.Room
	if err := b.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID), nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (b *HTTPBackend) RoomMessages(ctx context.Context, roomID string) ([]core.Message, error) {
	var messages []core.Message
	if err := b.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/messages", nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (b *HTTPBackend) SendMessage(ctx context.Context, roomID, content, imageURL string) (*core.Message, error) {
	body := map[string]string{"content": content, "image_url": imageURL}
	var message core.Message
	if err := b.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/messages", body, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

func (b *HTTPBackend) AdminOffers(ctx context.Context) ([]core.AdminOffer, error) {
	var offers []core.AdminOffer
	if err := b.do(ctx, http.MethodGet, "/api/admin/offers", nil, &offers); err != nil {
		return nil, err
	}
	return offers, nil
}

func (b *HTTPBackend) TransferDetails(ctx context.Context, transferID string) (*core.TransferDetails, error) {
	var details core.TransferDetails
	if err := b.do(ctx, http.MethodGet, "/api/admin/transfers/"+url.PathEscape(transferID), nil, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

func (b *HTTPBackend) MakeOffer(ctx context.Context, transferID string, offer OfferRequest) (*core.TransferOffer, error) {
	var created core.TransferOffer
	if err := b.do(ctx, http.MethodPost, "/api/admin/transfers/"+url.PathEscape(transferID)+"/offers", offer, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Transfers lists the transfers of a status, every status when it is empty.
// Zero bounds are left open.
func (b *HTTPBackend) Transfers(ctx context.Context, status core.TransferStatus, from, to time.Time) ([]core.TransferSummary, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if !from.IsZero() {
		q.Set("from", from.Format(time.RFC3339))
	}
	if !to.IsZero() {
		q.Set("to", to.Format(time.RFC3339))
	}
	path := "/api/admin/transfers"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var transfers []core.TransferSummary
	if err := b.do(ctx, http.MethodGet, path, nil, &transfers); err != nil {
		return nil, err
	}
	return transfers, nil
}

// Users lists the profiles that are not admins and match search.
func (b *HTTPBackend) Users(ctx context.Context, search string) ([]core.Profile, error) {
	path := "/api/admin/users"
	if search != "" {
		path += "?" + url.Values{"search": {search}}.Encode()
	}
	var users []core.Profile
	if err := b.do(ctx, http.MethodGet, path, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}
