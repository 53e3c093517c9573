package feature

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/rushteam/streamrec/core"
)

// Loader 物品特征批量加载器接口
// 支持从不同来源加载物品特征（本地文件、HTTP 接口等），用于冷启动时灌入物品库
type Loader interface {
	// Load 加载物品特征
	// source 是数据源标识（文件路径、URL 等）
	Load(ctx context.Context, source string) ([]*core.ItemFeature, error)
}

// FileLoader 从本地 JSON Lines 文件加载物品特征，每行一个 ItemFeature
type FileLoader struct{}

func NewFileLoader() *FileLoader { return &FileLoader{} }

func (l *FileLoader) Load(ctx context.Context, path string) ([]*core.ItemFeature, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open item feature file: %w", err)
	}
	defer f.Close()
	return decodeLines(ctx, f)
}

func decodeLines(ctx context.Context, r io.Reader) ([]*core.ItemFeature, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var out []*core.ItemFeature
	line := 0
	for sc.Scan() {
		line++
		if line%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		f := &core.ItemFeature{}
		if err := json.Unmarshal(raw, f); err != nil {
			return nil, fmt.Errorf("decode item feature at line %d: %w", line, err)
		}
		out = append(out, f)
	}
	return out, sc.Err()
}

// HTTPLoader 从 HTTP 接口加载物品特征（响应体为 ItemFeature 的 JSON 数组）
type HTTPLoader struct {
	client *http.Client
}

// NewHTTPLoader 创建 HTTP 加载器
//
// 用法：
//
//	loader := feature.NewHTTPLoader(5 * time.Second)
//	items, err := loader.Load(ctx, "http://catalog.internal/items/export")
func NewHTTPLoader(timeout time.Duration) *HTTPLoader {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPLoader{client: &http.Client{Timeout: timeout}}
}

func (l *HTTPLoader) Load(ctx context.Context, url string) ([]*core.ItemFeature, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build item feature request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch item features: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch item features: status=%d, body=%s", resp.StatusCode, string(body))
	}
	var out []*core.ItemFeature
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode item features: %w", err)
	}
	return out, nil
}
