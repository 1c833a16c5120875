package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/lgulliver/waypoint/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HTTPTransport talks to the admin upload API. The underlying client never
// retries on its own; retries are driven by the orchestrator so they can be
// reported.
type HTTPTransport struct {
	client  *retryablehttp.Client
	baseURL string
	token   string
}

// NewHTTPTransport creates a transport for the API at baseURL
func NewHTTPTransport(baseURL, token string, timeout time.Duration) *HTTPTransport {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = zerologAdapter{logger: log.Logger}
	client.HTTPClient.Timeout = timeout

	return &HTTPTransport{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

type envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func (t *HTTPTransport) guideURL(guideID uuid.UUID, suffix string) string {
	return fmt.Sprintf("%s/api/v1/admin/guides/%s/%s", t.baseURL, guideID, suffix)
}

// Init opens a chunked upload session and returns its id
func (t *HTTPTransport) Init(ctx context.Context, guideID uuid.UUID, req types.InitUploadRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	var resp types.InitUploadResponse
	if err := t.do(ctx, t.guideURL(guideID, "upload-large-file/init"), "application/json", body, &resp); err != nil {
		return "", err
	}
	if resp.UploadID == "" {
		return "", fmt.Errorf("%w: init response carried no upload id", types.ErrNetwork)
	}
	return resp.UploadID, nil
}

// SendChunk uploads one chunk and returns the server-side progress
func (t *HTTPTransport) SendChunk(ctx context.Context, guideID uuid.UUID, uploadID string, index int, data []byte, checksum string) (int, error) {
	body, contentType, err := multipartBody(map[string]string{
		"uploadId":   uploadID,
		"chunkIndex": strconv.Itoa(index),
		"checksum":   checksum,
	}, "chunk", fmt.Sprintf("chunk-%d", index), data)
	if err != nil {
		return 0, err
	}

	var resp types.ChunkUploadResponse
	if err := t.do(ctx, t.guideURL(guideID, "upload-large-file/chunk"), contentType, body, &resp); err != nil {
		return 0, err
	}
	return resp.Progress, nil
}

// Complete asks the server to assemble the session
func (t *HTTPTransport) Complete(ctx context.Context, guideID uuid.UUID, req types.CompleteUploadRequest) (*types.Attachment, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var attachment types.Attachment
	if err := t.do(ctx, t.guideURL(guideID, "upload-large-file/complete"), "application/json", body, &attachment); err != nil {
		return nil, err
	}
	return &attachment, nil
}

// SendDirect uploads a whole file in one request
func (t *HTTPTransport) SendDirect(ctx context.Context, guideID uuid.UUID, params DirectParams, data []byte) (*types.Attachment, error) {
	fields := map[string]string{
		"attachmentNumber": strconv.Itoa(params.Slot),
		"compressed":       strconv.FormatBool(params.Compressed),
		"fileType":         params.MimeType,
	}
	if params.OriginalSize > 0 {
		fields["originalSize"] = strconv.FormatInt(params.OriginalSize, 10)
	}

	body, contentType, err := multipartBody(fields, "file", params.FileName, data)
	if err != nil {
		return nil, err
	}

	var attachment types.Attachment
	if err := t.do(ctx, t.guideURL(guideID, "upload-large-file-direct"), contentType, body, &attachment); err != nil {
		return nil, err
	}
	return &attachment, nil
}

func (t *HTTPTransport) do(ctx context.Context, url, contentType string, body []byte, out interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if t.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t.token))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", types.ErrNetwork, err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			log.Debug().Err(err).Msg("failed to close response body")
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", types.ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return unwrapError(resp.StatusCode, raw)
	}

	result := envelope[json.RawMessage]{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("%w: decode response: %v", types.ErrNetwork, err)
	}
	if out != nil && len(result.Data) > 0 {
		if err := json.Unmarshal(result.Data, out); err != nil {
			return fmt.Errorf("%w: decode response data: %v", types.ErrNetwork, err)
		}
	}
	return nil
}

func unwrapError(status int, body []byte) error {
	statusErr := &StatusError{StatusCode: status}

	var result envelope[json.RawMessage]
	if err := json.Unmarshal(body, &result); err == nil && (result.Error != "" || result.Code != "") {
		statusErr.Code = result.Code
		statusErr.Message = result.Error
	} else {
		statusErr.Message = strings.TrimSpace(string(body))
	}
	if statusErr.Message == "" {
		statusErr.Message = http.StatusText(status)
	}
	return statusErr
}

func multipartBody(fields map[string]string, fileField, fileName string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for key, value := range fields {
		if value == "" {
			continue
		}
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", err
		}
	}

	part, err := writer.CreateFormFile(fileField, fileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), writer.FormDataContentType(), nil
}

// zerologAdapter satisfies retryablehttp.LeveledLogger
type zerologAdapter struct {
	logger zerolog.Logger
}

func (z zerologAdapter) Error(msg string, keysAndValues ...interface{}) {
	z.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (z zerologAdapter) Info(msg string, keysAndValues ...interface{}) {
	z.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (z zerologAdapter) Debug(msg string, keysAndValues ...interface{}) {
	z.logger.Trace().Fields(keysAndValues).Msg(msg)
}

func (z zerologAdapter) Warn(msg string, keysAndValues ...interface{}) {
	z.logger.Warn().Fields(keysAndValues).Msg(msg)
}
