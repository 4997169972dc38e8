package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// HTTPConfig holds remote API connection configuration.
type HTTPConfig struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	UserAgent string

	// PhotoMaxDimension caps the longer side of uploaded photos in pixels.
	// Zero uploads photos unchanged.
	PhotoMaxDimension int
}

// HTTPClient implements API over JSON/HTTP.
type HTTPClient struct {
	config     HTTPConfig
	httpClient *http.Client
	logger     *logging.Logger
}

// NewHTTPClient creates a new HTTPClient. A nil httpClient gets a default
// client with config.Timeout.
func NewHTTPClient(config HTTPConfig, httpClient *http.Client, logger *logging.Logger) *HTTPClient {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "fieldsync/1.0"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		}
	}
	if logger == nil {
		logger = logging.Get()
	}
	return &HTTPClient{config: config, httpClient: httpClient, logger: logger.Component("remote")}
}

func (c *HTTPClient) UpdateAssignment(ctx context.Context, p models.AssignmentPayload) error {
	if p.AssignmentID == "" {
		return Permanent(apperrors.New(apperrors.ErrInvalid, "assignment id is required"))
	}
	return c.sendJSON(ctx, http.MethodPatch, "/assignments/"+p.AssignmentID, p, nil)
}

func (c *HTTPClient) SubmitWorkLog(ctx context.Context, p models.WorkLogPayload) error {
	return c.sendJSON(ctx, http.MethodPost, "/work-logs", p, nil)
}

func (c *HTTPClient) CheckIn(ctx context.Context, p models.AttendancePayload) error {
	return c.sendJSON(ctx, http.MethodPost, "/attendance/check-in", p, nil)
}

func (c *HTTPClient) CheckOut(ctx context.Context, p models.AttendancePayload) error {
	return c.sendJSON(ctx, http.MethodPost, "/attendance/check-out", p, nil)
}

func (c *HTTPClient) UpdateProfile(ctx context.Context, p models.ProfilePayload) error {
	return c.sendJSON(ctx, http.MethodPatch, "/workers/me", p, nil)
}

func (c *HTTPClient) FetchAssignments(ctx context.Context) ([]models.Assignment, error) {
	var out []models.Assignment
	if err := c.sendJSON(ctx, http.MethodGet, "/assignments", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) FetchProfile(ctx context.Context) (*models.WorkerProfile, error) {
	var out models.WorkerProfile
	if err := c.sendJSON(ctx, http.MethodGet, "/workers/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadPhoto streams the photo as multipart/form-data with the worker id,
// assignment id and location as form fields.
func (c *HTTPClient) UploadPhoto(ctx context.Context, p models.PhotoPayload) error {
	f, err := os.Open(p.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return Permanent(apperrors.Wrap(apperrors.ErrNotFound, "photo file missing", err))
		}
		return apperrors.Wrap(apperrors.ErrInternal, "open photo", err)
	}
	defer f.Close()

	photo, err := c.preparePhoto(f, c.config.PhotoMaxDimension)
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writePhotoForm(form, photo, p))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/photos", pr)
	if err != nil {
		pr.Close()
		return err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	return c.do(req, nil)
}

func writePhotoForm(form *multipart.Writer, photo photoBody, p models.PhotoPayload) error {
	fields := map[string]string{
		"workerId":     p.WorkerID,
		"assignmentId": p.AssignmentID,
	}
	if p.Location != nil {
		fields["latitude"] = strconv.FormatFloat(p.Location.Latitude, 'f', -1, 64)
		fields["longitude"] = strconv.FormatFloat(p.Location.Longitude, 'f', -1, 64)
	}
	if p.Caption != "" {
		fields["caption"] = p.Caption
	}
	for _, name := range []string{"workerId", "assignmentId", "latitude", "longitude", "caption"} {
		value, ok := fields[name]
		if !ok {
			continue
		}
		if err := form.WriteField(name, value); err != nil {
			return err
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, photo.filename))
	header.Set("Content-Type", photo.contentType)
	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, photo.r); err != nil {
		return err
	}
	return form.Close()
}

func (c *HTTPClient) sendJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return Permanent(apperrors.Wrap(apperrors.ErrInvalid, "encode request", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.config.BaseURL == "" {
		return nil, apperrors.New(apperrors.ErrConfig, "remote base URL is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	return req, nil
}

// do executes req and classifies the outcome.
func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteUnavailable, fmt.Sprintf("%s %s", req.Method, req.URL.Path), err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Remote call", map[string]interface{}{
		"method":      req.Method,
		"path":        req.URL.Path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.Wrap(apperrors.ErrRemoteUnavailable, "decode response", err)
		}
		return nil
	}

	return classifyStatus(req, resp)
}

func classifyStatus(req *http.Request, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("%s %s failed with status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.New(apperrors.ErrRemoteAuth, msg)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.New(apperrors.ErrRemoteUnavailable, msg)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent(apperrors.New(apperrors.ErrRemoteRejected, msg))
	default:
		return apperrors.New(apperrors.ErrRemoteUnavailable, msg)
	}
}
