// Package api is the REST client for the Learnora posts and media endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"learnora/internal/models"
	"learnora/internal/observability"
	"learnora/internal/session"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// Options configures a Client.
type Options struct {
	BaseURL       string
	Timeout       time.Duration
	MaxMediaBytes int64
	HTTPClient    *http.Client
}

// Client talks to the backend on behalf of one session.
type Client struct {
	baseURL       string
	http          *http.Client
	session       *models.Session
	maxMediaBytes int64
	now           func() time.Time
}

// NewClient builds a client. A nil session sends unauthenticated requests.
func NewClient(opts Options, s *models.Session) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	maxBytes := opts.MaxMediaBytes
	if maxBytes <= 0 {
		maxBytes = 25 << 20
	}
	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		http:          hc,
		session:       s,
		maxMediaBytes: maxBytes,
		now:           time.Now,
	}
}

// Session returns the session the client acts for.
func (c *Client) Session() *models.Session {
	return c.session
}

// ListPosts fetches the full feed in server order.
func (c *Client) ListPosts(ctx context.Context) ([]models.Post, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, "list_posts", http.MethodGet, "/posts", nil, "", &raw); err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, models.NewMalformedResponseError("expected a post list in the response", nil)
	}
	var payloads []models.PostPayload
	if err := json.Unmarshal(trimmed, &payloads); err != nil {
		return nil, models.NewMalformedResponseError("invalid post list", err)
	}
	posts := make([]models.Post, 0, len(payloads))
	for i, p := range payloads {
		if strings.TrimSpace(p.ID) == "" {
			return nil, models.NewMalformedResponseError(fmt.Sprintf("post at index %d has no id", i), nil)
		}
		posts = append(posts, p.ToPost())
	}
	return posts, nil
}

// GetPost fetches a single post.
func (c *Client) GetPost(ctx context.Context, id string) (models.Post, error) {
	path := "/posts/" + url.PathEscape(id)
	var raw json.RawMessage
	if err := c.doJSON(ctx, "get_post", http.MethodGet, path, nil, "", &raw); err != nil {
		return models.Post{}, err
	}
	payload, err := decodePostObject(raw)
	if err != nil {
		return models.Post{}, err
	}
	if strings.TrimSpace(payload.ID) == "" {
		return models.Post{}, models.NewMalformedResponseError("post "+id+" response has no id", nil)
	}
	return payload.ToPost(), nil
}

// CreatePost submits a new post as multipart form data. The returned post may lack an id.
// An unresolved author name is replaced by the session user's name.
func (c *Client) CreatePost(ctx context.Context, sub models.Submission) (models.Post, error) {
	return c.submit(ctx, "create_post", http.MethodPost, "/posts", sub)
}

// UpdatePost replaces content and images of an existing post.
func (c *Client) UpdatePost(ctx context.Context, id string, sub models.Submission) (models.Post, error) {
	return c.submit(ctx, "update_post", http.MethodPut, "/posts/"+url.PathEscape(id), sub)
}

// DeletePost deletes a post. asAdmin adds isAdmin=true, used when an admin removes
// someone else's post.
func (c *Client) DeletePost(ctx context.Context, id, userID string, asAdmin bool) error {
	q := url.Values{}
	q.Set("userId", userID)
	if asAdmin {
		q.Set("isAdmin", "true")
	}
	path := "/posts/" + url.PathEscape(id) + "?" + q.Encode()
	return c.doJSON(ctx, "delete_post", http.MethodDelete, path, nil, "", nil)
}

// GetMedia fetches a media item by id. A JSON body must carry a url field; any
// other content type is returned as raw bytes.
func (c *Client) GetMedia(ctx context.Context, mediaID string) (models.MediaPayload, error) {
	resp, err := c.do(ctx, "get_media", http.MethodGet, "/media/"+url.PathEscape(mediaID), nil, "")
	if err != nil {
		return models.MediaPayload{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxMediaBytes+1))
	if err != nil {
		return models.MediaPayload{}, models.NewNetworkError("read media "+mediaID, err)
	}
	if int64(len(body)) > c.maxMediaBytes {
		return models.MediaPayload{}, models.NewMalformedResponseError(
			fmt.Sprintf("media %s exceeds %d bytes", mediaID, c.maxMediaBytes), nil)
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, _ := mime.ParseMediaType(contentType); mediaType == "application/json" {
		var ref struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(body, &ref); err == nil && strings.TrimSpace(ref.URL) != "" {
			return models.MediaPayload{URL: strings.TrimSpace(ref.URL)}, nil
		}
	}
	if contentType == "" && len(body) > 0 {
		contentType = http.DetectContentType(body)
	}
	return models.MediaPayload{Data: body, ContentType: contentType}, nil
}

func (c *Client) submit(ctx context.Context, op, method, path string, sub models.Submission) (models.Post, error) {
	body, contentType, err := encodeSubmission(c.userID(), sub)
	if err != nil {
		return models.Post{}, models.NewInternalError(err)
	}

	var raw json.RawMessage
	if err := c.doJSON(ctx, op, method, path, body, contentType, &raw); err != nil {
		return models.Post{}, err
	}
	payload, err := decodePostObject(raw)
	if err != nil {
		return models.Post{}, err
	}
	if op == "create_post" && models.NeedsDisplayName(payload.UserName) {
		if name := c.session.FullName(); name != "" {
			payload.UserName = name
		}
	}
	return payload.ToPost(), nil
}

// decodePostObject rejects anything but a JSON object, null included.
func decodePostObject(raw json.RawMessage) (models.PostPayload, error) {
	var payload models.PostPayload
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return payload, models.NewMalformedResponseError("expected a post object in the response", nil)
	}
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return payload, models.NewMalformedResponseError("invalid post object", err)
	}
	return payload, nil
}

func encodeSubmission(userID string, sub models.Submission) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("userId", userID); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("content", sub.Content); err != nil {
		return nil, "", err
	}
	for _, img := range sub.Images {
		if err := writeFile(w, "images", img); err != nil {
			return nil, "", err
		}
	}
	if sub.Video != nil {
		if err := writeFile(w, "video", *sub.Video); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func writeFile(w *multipart.Writer, field string, a models.Attachment) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, a.Filename))
	ct := a.ContentType
	if ct == "" {
		ct = http.DetectContentType(a.Data)
	}
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(a.Data)
	return err
}

func (c *Client) userID() string {
	if c.session == nil {
		return ""
	}
	return c.session.UserID
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, body io.Reader, contentType string, dest any) error {
	resp, err := c.do(ctx, op, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return models.NewMalformedResponseError(fmt.Sprintf("decode %s response", op), err)
	}
	return nil
}

// do sends the request and maps transport failures and non-2xx statuses to AppErrors.
// On success the caller owns resp.Body.
func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string) (resp *http.Response, err error) {
	track := observability.TrackAPICall(op)
	ctx, span := observability.StartClientSpan(ctx, op,
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)
	defer func() {
		span.SetError(err)
		span.End()
		track(err)
	}()

	if c.session != nil && session.Expired(c.session, c.now()) {
		return nil, models.NewUnauthorizedError("session token has expired")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	requestID := observability.ExtractCorrelationID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json, */*")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.session != nil && c.session.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.session.Token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err = c.http.Do(req)
	if err != nil {
		return nil, models.NewNetworkError(method+" "+path, err)
	}
	span.AddAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, statusError(resp, path)
}

func statusError(resp *http.Response, path string) error {
	msg := readErrorMessage(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if msg == "" {
			msg = "not authorized"
		}
		return models.NewUnauthorizedError(msg)
	case resp.StatusCode == http.StatusNotFound:
		return models.NewNotFoundError("Resource", path)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		if msg == "" {
			msg = fmt.Sprintf("request rejected with status %d", resp.StatusCode)
		}
		return models.NewValidationError(msg)
	default:
		return models.NewServerError(resp.StatusCode, msg)
	}
}

// readErrorMessage extracts a message from a JSON error body ({"message"} or {"error"})
// or falls back to the plain text body.
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	raw = bytes.TrimSpace(raw)
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		return body.Error
	}
	return string(raw)
}

// IsNotFound reports whether err is a NOT_FOUND AppError.
func IsNotFound(err error) bool {
	return models.HasCode(err, models.CodeNotFound)
}

// IsCanceled reports whether err stems from context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
