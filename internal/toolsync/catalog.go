package toolsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"plugin-runtime/pkg/protocol"
)

// DefaultHTTPTimeout 是未指定 http.Client 时的请求超时。
const DefaultHTTPTimeout = 15 * time.Second

// Tool 是写入外部工具目录的一条记录。
type Tool struct {
	Name        string                   `json:"name"`
	PluginID    string                   `json:"plugin_id"`
	Title       string                   `json:"title,omitempty"`
	Description string                   `json:"description,omitempty"`
	Parameters  []protocol.ToolParameter `json:"parameters,omitempty"`
	Endpoint    string                   `json:"endpoint"`
}

// Catalog 是外部工具目录。
type Catalog interface {
	RegisterTool(ctx context.Context, tool Tool) error
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}

// APIError 表示工具目录返回的错误。
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("tool catalog error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("tool catalog error (%d): %s", e.StatusCode, e.Message)
}

// HTTPCatalog 通过 REST 接口访问工具目录：
// POST {base}/tools 注册，DELETE {base}/tools?prefix=... 批量删除。
type HTTPCatalog struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
}

// NewHTTPCatalog 创建 HTTP 工具目录客户端。httpClient 为空时使用默认超时。
func NewHTTPCatalog(rawURL, token string, httpClient *http.Client) (*HTTPCatalog, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid catalog url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &HTTPCatalog{baseURL: parsed, httpClient: httpClient, token: token}, nil
}

// RegisterTool 注册或覆盖一个工具。
func (c *HTTPCatalog) RegisterTool(ctx context.Context, tool Tool) error {
	body, err := json.Marshal(tool)
	if err != nil {
		return fmt.Errorf("encode tool: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// DeleteByPrefix 删除名称以 prefix 开头的全部工具。
func (c *HTTPCatalog) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, url.Values{"prefix": {prefix}}, nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := c.do(req, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

func (c *HTTPCatalog) newRequest(ctx context.Context, method string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, "tools")}
	u := c.baseURL.ResolveReference(rel)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *HTTPCatalog) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// MemoryCatalog 是进程内的工具目录，用于未配置外部目录的部署和测试。
type MemoryCatalog struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewMemoryCatalog 创建空目录。
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{tools: make(map[string]Tool)}
}

// RegisterTool 写入或覆盖工具。
func (m *MemoryCatalog) RegisterTool(_ context.Context, tool Tool) error {
	m.mu.Lock()
	m.tools[tool.Name] = tool
	m.mu.Unlock()
	return nil
}

// DeleteByPrefix 删除匹配前缀的工具。
func (m *MemoryCatalog) DeleteByPrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for name := range m.tools {
		if strings.HasPrefix(name, prefix) {
			delete(m.tools, name)
			n++
		}
	}
	return n, nil
}

// List 返回按名称排序的全部工具。
func (m *MemoryCatalog) List() []Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tool, 0, len(m.tools))
	for _, t := range m.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get 按名称查找工具。
func (m *MemoryCatalog) Get(name string) (Tool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tools[name]
	return t, ok
}
