package connect

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/wilhg/convo/pkg/errmodel"
	"github.com/wilhg/convo/pkg/mcpclient"
	convo "github.com/wilhg/convo/pkg/slices"
)

// ServerConfig describes an integration server the actor may connect to.
type ServerConfig struct {
	ID  string
	URL string
	// Mode is the default key mode: "shared" or "per_user".
	Mode string
	// RequiredParams must be supplied before connecting. They are sent as
	// query parameters of the endpoint.
	RequiredParams []string
	// OAuth enables the authorization-code sub-flow when set.
	OAuth *oauth2.Config
}

// DialFunc opens an integration session.
type DialFunc func(ctx context.Context, endpoint string, opts ...mcpclient.Option) (mcpclient.Client, error)

// MCPConnector connects to configured MCP servers over streamable HTTP.
type MCPConnector struct {
	servers map[string]ServerConfig
	base    http.RoundTripper
	dial    DialFunc

	info []mcpclient.Option

	mu     sync.Mutex
	tokens map[Key]*oauth2.Token
	states map[string]Key
}

// ConnectorOption configures an MCPConnector.
type ConnectorOption func(*MCPConnector)

// WithTransport sets the base HTTP transport. It is wrapped with otelhttp.
func WithTransport(rt http.RoundTripper) ConnectorOption {
	return func(c *MCPConnector) { c.base = rt }
}

// WithDialer replaces mcpclient.Dial.
func WithDialer(d DialFunc) ConnectorOption { return func(c *MCPConnector) { c.dial = d } }

// WithClientInfo sets the client name and version announced to servers.
func WithClientInfo(name, version string) ConnectorOption {
	return func(c *MCPConnector) { c.info = []mcpclient.Option{mcpclient.WithImplementation(name, version)} }
}

// NewMCPConnector returns a connector for the given servers, matched by URL.
func NewMCPConnector(servers []ServerConfig, opts ...ConnectorOption) *MCPConnector {
	c := &MCPConnector{
		servers: map[string]ServerConfig{},
		base:    http.DefaultTransport,
		dial: func(ctx context.Context, endpoint string, opts ...mcpclient.Option) (mcpclient.Client, error) {
			return mcpclient.Dial(ctx, endpoint, opts...)
		},
		tokens: map[Key]*oauth2.Token{},
		states: map[string]Key{},
	}
	for _, s := range servers {
		c.servers[s.URL] = s
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Server returns the configuration of a server by id.
func (c *MCPConnector) Server(id string) (ServerConfig, bool) {
	for _, s := range c.servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// KeyForState resolves the key an OAuth state value was issued for.
func (c *MCPConnector) KeyForState(state string) (Key, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.states[state]
	return k, ok
}

func (c *MCPConnector) Connect(ctx context.Context, req Request) (Attempt, error) {
	cfg, ok := c.servers[req.Key.ServerURL]
	if !ok {
		return Attempt{}, errmodel.Validation("unknown_server", "integration server is not configured", map[string]any{"url": req.Key.ServerURL})
	}
	var missing []string
	for _, p := range cfg.RequiredParams {
		if req.Params[p] == "" {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return Attempt{RequiredFields: missing, ServerID: cfg.ID}, nil
	}

	base := otelhttp.NewTransport(c.base)
	hc := &http.Client{Transport: base}
	if cfg.OAuth != nil {
		octx := context.WithValue(ctx, oauth2.HTTPClient, hc)
		tok, authURL, err := c.token(octx, cfg, req)
		if err != nil {
			return Attempt{}, err
		}
		if authURL != "" {
			return Attempt{AuthURL: authURL, ServerID: cfg.ID}, nil
		}
		tctx := context.WithValue(context.Background(), oauth2.HTTPClient, hc)
		hc = &http.Client{Transport: &oauth2.Transport{Source: cfg.OAuth.TokenSource(tctx, tok), Base: base}}
	}

	endpoint, err := withParams(cfg.URL, cfg.RequiredParams, req.Params)
	if err != nil {
		return Attempt{}, errmodel.Validation("invalid_url", "integration url is invalid", map[string]any{"url": cfg.URL})
	}
	cli, err := c.dial(ctx, endpoint, append(c.info, mcpclient.WithHTTPClient(hc))...)
	if err != nil {
		return Attempt{}, err
	}
	descs, err := cli.ListTools(ctx)
	if err != nil {
		_ = cli.Close()
		return Attempt{}, err
	}
	tools := make([]convo.RemoteTool, 0, len(descs))
	for _, d := range descs {
		tools = append(tools, convo.RemoteTool{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return Attempt{Client: cli, Tools: tools, ServerID: cfg.ID}, nil
}

// token returns a stored token, exchanges a callback code, or starts the
// flow by returning an authorization URL.
func (c *MCPConnector) token(ctx context.Context, cfg ServerConfig, req Request) (*oauth2.Token, string, error) {
	c.mu.Lock()
	tok := c.tokens[req.Key]
	c.mu.Unlock()
	if tok != nil && req.Code == "" {
		return tok, "", nil
	}
	if req.Code == "" {
		state := uuid.NewString()
		c.mu.Lock()
		c.states[state] = req.Key
		c.mu.Unlock()
		return nil, cfg.OAuth.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
	}
	if req.State != "" {
		c.mu.Lock()
		k, ok := c.states[req.State]
		delete(c.states, req.State)
		c.mu.Unlock()
		if !ok || k != req.Key {
			return nil, "", errmodel.Policy("invalid_state", "oauth state does not match this connection", nil)
		}
	}
	tok, err := cfg.OAuth.Exchange(ctx, req.Code)
	if err != nil {
		return nil, "", errmodel.Network("oauth_exchange_failed", "authorization code exchange failed", map[string]any{"server": cfg.ID}, err)
	}
	c.mu.Lock()
	c.tokens[req.Key] = tok
	c.mu.Unlock()
	return tok, "", nil
}

func withParams(raw string, names []string, params map[string]string) (string, error) {
	if len(names) == 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for _, n := range slices.Sorted(slices.Values(names)) {
		q.Set(n, params[n])
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
