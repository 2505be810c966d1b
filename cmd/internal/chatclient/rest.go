package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	v1 "tandem/shared/contracts/realtime/v1"
)

const defaultHTTPTimeout = 15 * time.Second

// APIError is a non-2xx response from the chat API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("chat api: status %d", e.Status)
	}
	return fmt.Sprintf("chat api: status %d: %s: %s", e.Status, e.Code, e.Message)
}

// HTTPBackend talks to the /api/chat REST surface.
type HTTPBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPBackend returns a backend rooted at baseURL (for example
// "http://localhost:8080/api/chat"). A nil client gets a default with a timeout.
func NewHTTPBackend(baseURL, token string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// OpenConversation returns the direct conversation with partnerID, creating it
// when missing.
func (b *HTTPBackend) OpenConversation(ctx context.Context, partnerID string) (v1.Conversation, error) {
	var out v1.Conversation
	err := b.doJSON(ctx, http.MethodPost, "/conversations", v1.CreateConversationRequest{PartnerID: partnerID}, &out)
	return out, err
}

// CreateGroup creates a group conversation administered by the caller.
func (b *HTTPBackend) CreateGroup(ctx context.Context, name string, memberIDs []string) (v1.Conversation, error) {
	var out v1.Conversation
	err := b.doJSON(ctx, http.MethodPost, "/groups", v1.CreateGroupRequest{Name: name, MemberIDs: memberIDs}, &out)
	return out, err
}

// Conversations lists the caller's conversations, most recent first.
func (b *HTTPBackend) Conversations(ctx context.Context) ([]v1.Conversation, error) {
	var out v1.ConversationListResponse
	if err := b.doJSON(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// History returns messages after afterSeq (all when nil). limit <= 0 asks
// for the server default.
func (b *HTTPBackend) History(ctx context.Context, conversationID string, afterSeq *int64, limit int) (v1.ConversationHistoryChunkPayload, error) {
	q := url.Values{}
	if afterSeq != nil {
		q.Set("after_seq", strconv.FormatInt(*afterSeq, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out v1.ConversationHistoryChunkPayload
	err := b.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// SendMessage durably appends a message. Repeating a request with the same
// ClientMsgID returns the stored copy.
func (b *HTTPBackend) SendMessage(ctx context.Context, conversationID string, req v1.SendMessageRequest) (v1.Message, error) {
	var out v1.Message
	err := b.doJSON(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", req, &out)
	return out, err
}

// UploadAttachment sends a file as an attachment message.
func (b *HTTPBackend) UploadAttachment(ctx context.Context, conversationID, clientMsgID, filename string, file io.Reader, caption string) (v1.Message, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("client_msg_id", clientMsgID); err != nil {
		return v1.Message{}, err
	}
	if caption != "" {
		if err := mw.WriteField("text", caption); err != nil {
			return v1.Message{}, err
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return v1.Message{}, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return v1.Message{}, err
	}
	if err := mw.Close(); err != nil {
		return v1.Message{}, err
	}

	req, err := b.newRequest(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", &buf)
	if err != nil {
		return v1.Message{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out v1.Message
	err = b.do(req, &out)
	return out, err
}

// MarkRead marks every message of the conversation as read by the caller.
func (b *HTTPBackend) MarkRead(ctx context.Context, conversationID string) error {
	return b.doJSON(ctx, http.MethodPut, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
}

// OnlineUsers returns the current online user set.
func (b *HTTPBackend) OnlineUsers(ctx context.Context) ([]string, error) {
	var out v1.PresenceOnlinePayload
	if err := b.doJSON(ctx, http.MethodGet, "/presence/online", nil, &out); err != nil {
		return nil, err
	}
	return out.UserIDs, nil
}

func (b *HTTPBackend) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := b.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return b.do(req, out)
}

func (b *HTTPBackend) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	return req, nil
}

func (b *HTTPBackend) do(req *http.Request, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
