package tools

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/convo/pkg/agent"
	"github.com/wilhg/convo/pkg/errmodel"
)

// Builtin capability names.
const (
	BuiltinCurrentTime = "current_time"
	BuiltinHTTPGet     = "http_get"
	BuiltinReadFile    = "read_file"
)

// BuiltinOptions configures the platform capabilities.
type BuiltinOptions struct {
	// FS is the sandbox read_file reads from. read_file is not registered without one.
	FS         fs.FS
	HTTPClient *http.Client
	Now        func() time.Time
	// MaxBodyBytes bounds http_get responses. Defaults to 1 MiB.
	MaxBodyBytes int64
}

type currentTimeIn struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"IANA zone name, UTC when empty"`
}

type currentTimeOut struct {
	Now      string `json:"now"`
	Timezone string `json:"timezone"`
}

type httpGetIn struct {
	URL       string `json:"url"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

type httpGetOut struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

type readFileIn struct {
	Path string `json:"path"`
}

type readFileOut struct {
	Content string `json:"content"`
}

// Builtins returns a registry of platform capabilities.
func Builtins(opts BuiltinOptions) (*agent.Registry, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	reg := agent.NewRegistry()
	err := agent.Register(reg, BuiltinCurrentTime, "Returns the current time", func(_ context.Context, in currentTimeIn) (currentTimeOut, error) {
		loc := time.UTC
		if in.Timezone != "" {
			l, err := time.LoadLocation(in.Timezone)
			if err != nil {
				return currentTimeOut{}, errmodel.Validation("invalid_input", "unknown timezone "+in.Timezone, nil)
			}
			loc = l
		}
		return currentTimeOut{Now: opts.Now().In(loc).Format(time.RFC3339), Timezone: loc.String()}, nil
	})
	if err != nil {
		return nil, err
	}
	err = agent.Register(reg, BuiltinHTTPGet, "Performs an HTTP GET request", func(ctx context.Context, in httpGetIn) (httpGetOut, error) {
		to := 10 * time.Second
		if in.TimeoutMS > 0 && in.TimeoutMS <= 60000 {
			to = time.Duration(in.TimeoutMS) * time.Millisecond
		}
		ctx, cancel := context.WithTimeout(ctx, to)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
		if err != nil {
			return httpGetOut{}, errmodel.Validation("invalid_input", "invalid url", map[string]any{"url": in.URL})
		}
		res, err := opts.HTTPClient.Do(req)
		if err != nil {
			return httpGetOut{}, errmodel.Network("http_get_failed", "request failed", map[string]any{"url": in.URL}, err)
		}
		defer func() { _ = res.Body.Close() }()
		b, err := io.ReadAll(io.LimitReader(res.Body, opts.MaxBodyBytes))
		if err != nil {
			return httpGetOut{}, errmodel.Network("http_get_failed", "reading body failed", map[string]any{"url": in.URL}, err)
		}
		return httpGetOut{Status: res.StatusCode, Body: string(b)}, nil
	}, agent.ToolPermission{Name: "network:outbound"})
	if err != nil {
		return nil, err
	}
	if opts.FS == nil {
		return reg, nil
	}
	err = agent.Register(reg, BuiltinReadFile, "Reads a text file from the sandbox", func(_ context.Context, in readFileIn) (readFileOut, error) {
		p := in.Path
		if p == "" || filepath.IsAbs(p) || filepath.Clean(p) != p || strings.Contains(p, "..") {
			return readFileOut{}, errmodel.Validation("invalid_input", "invalid path", map[string]any{"path": p})
		}
		b, err := fs.ReadFile(opts.FS, p)
		if errors.Is(err, fs.ErrNotExist) {
			return readFileOut{}, errmodel.Tool("not_found", "no such file", map[string]any{"path": p}, nil)
		}
		if err != nil {
			return readFileOut{}, errmodel.Tool("read_failed", "cannot read file", map[string]any{"path": p}, err)
		}
		return readFileOut{Content: string(b)}, nil
	}, agent.ToolPermission{Name: "fs:read"})
	if err != nil {
		return nil, err
	}
	return reg, nil
}
