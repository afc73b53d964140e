package tryon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	gradioEndpoint   = "tryon"
	maxResultBytes   = 50 << 20
	maxSSELineBytes  = 4 << 20
	gradioFileDataTy = "gradio.FileData"
)

var (
	errGradioStream   = errors.New("gradio event stream ended without a result")
	errGradioEmpty    = errors.New("gradio returned no result image")
	errGradioTooLarge = errors.New("gradio response too large")
)

// GradioClient calls a Gradio app such as the yisol/IDM-VTON Hugging Face Space
// through its HTTP API: upload both files, queue the call, then read the
// result from the event stream.
type GradioClient struct {
	baseURL    string
	apiPrefix  string
	token      string
	httpClient *http.Client
	maxBytes   int64
}

// NewGradioClient creates a client for the app at baseURL. apiPrefix is empty
// for Gradio 4 apps and "/gradio_api" for Gradio 5 apps.
func NewGradioClient(baseURL, apiPrefix, token string, httpClient *http.Client) *GradioClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if apiPrefix != "" && !strings.HasPrefix(apiPrefix, "/") {
		apiPrefix = "/" + apiPrefix
	}
	return &GradioClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiPrefix:  strings.TrimRight(apiPrefix, "/"),
		token:      token,
		httpClient: httpClient,
		maxBytes:   maxResultBytes,
	}
}

// Name implements Client.
func (c *GradioClient) Name() string {
	return "gradio"
}

// Close implements Client.
func (c *GradioClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *GradioClient) url(path string) string {
	return c.baseURL + c.apiPrefix + path
}

func (c *GradioClient) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *GradioClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.URL.Path, err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("%s %s: %w: over %d bytes", req.Method, req.URL.Path, errGradioTooLarge, c.maxBytes)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// Health fetches the app config, which every running Gradio app serves.
func (c *GradioClient) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/config", nil)
	if err != nil {
		return err
	}
	if _, err := c.do(req); err != nil {
		return fmt.Errorf("gradio health: %w", err)
	}
	return nil
}

// Predict implements Client.
func (c *GradioClient) Predict(ctx context.Context, call Call) ([]byte, error) {
	humanRef, err := c.upload(ctx, call.HumanPath)
	if err != nil {
		return nil, fmt.Errorf("upload person image: %w", err)
	}
	garmentRef, err := c.upload(ctx, call.GarmentPath)
	if err != nil {
		return nil, fmt.Errorf("upload garment image: %w", err)
	}

	eventID, err := c.submit(ctx, buildTryOnData(humanRef, garmentRef, call))
	if err != nil {
		return nil, err
	}
	slog.Debug("Gradio call queued", "event_id", eventID)

	result, err := c.await(ctx, eventID)
	if err != nil {
		return nil, err
	}

	fileURL, err := c.firstResultURL(result)
	if err != nil {
		return nil, err
	}
	return c.download(ctx, fileURL)
}

// fileData is the Gradio wire form of a file input.
type fileData struct {
	Path     string         `json:"path"`
	OrigName string         `json:"orig_name,omitempty"`
	Meta     map[string]any `json:"meta"`
}

func newFileData(serverPath, localPath string) fileData {
	return fileData{
		Path:     serverPath,
		OrigName: filepath.Base(localPath),
		Meta:     map[string]any{"_type": gradioFileDataTy},
	}
}

// buildTryOnData orders the inputs the way the tryon endpoint declares them:
// image editor, garment, description, auto-mask, auto-crop, steps, seed.
func buildTryOnData(human, garment fileData, call Call) []any {
	return []any{
		map[string]any{
			"background": human,
			"layers":     []any{},
			"composite":  nil,
		},
		garment,
		call.Description,
		call.Params.AutoMask,
		call.Params.AutoCrop,
		call.Params.DenoiseSteps,
		call.Params.Seed,
	}
}

func (c *GradioClient) upload(ctx context.Context, localPath string) (fileData, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return fileData{}, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", filepath.Base(localPath))
	if err != nil {
		return fileData{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fileData{}, err
	}
	if err := mw.Close(); err != nil {
		return fileData{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.url("/upload"), &body)
	if err != nil {
		return fileData{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return fileData{}, err
	}
	serverPath := gjson.GetBytes(resp, "0").String()
	if serverPath == "" {
		return fileData{}, fmt.Errorf("upload returned no path: %s", resp)
	}
	return newFileData(serverPath, localPath), nil
}

func (c *GradioClient) submit(ctx context.Context, data []any) (string, error) {
	payload, err := json.Marshal(map[string]any{"data": data})
	if err != nil {
		return "", fmt.Errorf("encode call: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.url("/call/"+gradioEndpoint), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("queue call: %w", err)
	}
	eventID := gjson.GetBytes(resp, "event_id").String()
	if eventID == "" {
		return "", fmt.Errorf("queue call returned no event id: %s", resp)
	}
	return eventID, nil
}

// await reads the server-sent events of a queued call until it completes.
func (c *GradioClient) await(ctx context.Context, eventID string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.url("/call/"+gradioEndpoint+"/"+eventID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("open event stream: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch event {
			case "complete":
				return []byte(data), nil
			case "error":
				if data == "" || data == "null" {
					data = "the Space reported an error"
				}
				return nil, fmt.Errorf("gradio call failed: %s", data)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, errGradioStream
}

// firstResultURL resolves the first output of a completed call to a URL.
func (c *GradioClient) firstResultURL(result []byte) (string, error) {
	first := gjson.GetBytes(result, "0")
	if !first.Exists() {
		return "", errGradioEmpty
	}

	var url, path string
	if first.IsObject() {
		url = first.Get("url").String()
		path = first.Get("path").String()
	} else {
		path = first.String()
	}

	switch {
	case url != "":
		return url, nil
	case path != "":
		return c.url("/file=" + path), nil
	default:
		return "", errGradioEmpty
	}
}

func (c *GradioClient) download(ctx context.Context, url string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	data, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("download result: %w", err)
	}
	if len(data) == 0 {
		return nil, errGradioEmpty
	}
	return data, nil
}
