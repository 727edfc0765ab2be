package slices

import (
	"maps"

	"github.com/wilhg/convo/pkg/agent"
)

const (
	EventConnectionRequested          = "CONNECTIONS:REQUESTED"
	EventConnectionAwaitingParameters = "CONNECTIONS:AWAITING_PARAMETERS"
	EventConnectionAwaitingOAuth      = "CONNECTIONS:AWAITING_OAUTH"
	EventConnectionEstablished        = "CONNECTIONS:ESTABLISHED"
	EventConnectionFailed             = "CONNECTIONS:FAILED"
	EventConnectionOAuthCallback      = "CONNECTIONS:OAUTH_CALLBACK"
	EventConnectionClosed             = "CONNECTIONS:CLOSED"
)

// Connection statuses.
const (
	ConnRequested          = "requested"
	ConnAwaitingParameters = "awaiting_parameters"
	ConnAwaitingOAuth      = "awaiting_oauth"
	ConnConnecting         = "connecting"
	ConnEstablished        = "established"
	ConnErrored            = "errored"
	ConnClosed             = "closed"
)

// ConnectionKey identifies a connection: the server, the integration mode
// and, for per-user integrations, the end user.
type ConnectionKey struct {
	ServerURL string `json:"server_url"`
	Mode      string `json:"mode"`
	UserID    string `json:"user_id,omitempty"`
}

// String renders the key as a stable map key.
func (k ConnectionKey) String() string {
	s := k.Mode + "|" + k.ServerURL
	if k.UserID != "" {
		s += "|" + k.UserID
	}
	return s
}

// RemoteTool is a tool advertised by an established integration.
type RemoteTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ConnectionEvent is the payload of every CONNECTIONS event. Only the fields
// relevant to the event type are set.
type ConnectionEvent struct {
	Key            ConnectionKey `json:"key"`
	ServerID       string        `json:"server_id,omitempty"`
	RequiredFields []string      `json:"required_fields,omitempty"`
	AuthURL        string        `json:"auth_url,omitempty"`
	Tools          []RemoteTool  `json:"tools,omitempty"`
	Error          string        `json:"error,omitempty"`
	// Code and State are carried by the OAuth callback.
	Code  string `json:"code,omitempty"`
	State string `json:"state,omitempty"`
}

// ConnectionRecord is the reduced view of one key.
type ConnectionRecord struct {
	Key            ConnectionKey `json:"key"`
	ServerID       string        `json:"server_id,omitempty"`
	Status         string        `json:"status"`
	RequiredFields []string      `json:"required_fields,omitempty"`
	AuthURL        string        `json:"auth_url,omitempty"`
	Tools          []RemoteTool  `json:"tools,omitempty"`
	Error          string        `json:"error,omitempty"`
	UpdatedIndex   int64         `json:"updated_index"`
}

// Terminal reports whether no attempt is outstanding for the record.
func (r ConnectionRecord) Terminal() bool {
	switch r.Status {
	case ConnEstablished, ConnErrored, ConnClosed:
		return true
	}
	return false
}

// ConnectionsState is the connections fragment, keyed by ConnectionKey.String.
type ConnectionsState struct {
	Records map[string]ConnectionRecord `json:"records"`
}

// Established returns the established records in key order.
func (c ConnectionsState) Established() []ConnectionRecord {
	var out []ConnectionRecord
	for _, k := range sortedKeys(c.Records) {
		if r := c.Records[k]; r.Status == ConnEstablished {
			out = append(out, r)
		}
	}
	return out
}

// Connections reduces the lifecycle of integration connections.
var Connections = newConnections()

func newConnections() *agent.SliceDef[ConnectionsState] {
	s := agent.NewSlice("connections", ConnectionsState{}).Requires(CapConnections)
	transition := func(status string) func(ConnectionsState, ConnectionEvent, agent.Event) (ConnectionsState, error) {
		return func(c ConnectionsState, p ConnectionEvent, ev agent.Event) (ConnectionsState, error) {
			rec := c.Records[p.Key.String()]
			rec.Key = p.Key
			rec.Status = status
			rec.UpdatedIndex = ev.EventIndex
			if p.ServerID != "" {
				rec.ServerID = p.ServerID
			}
			rec.RequiredFields, rec.AuthURL, rec.Error = nil, "", ""
			switch status {
			case ConnAwaitingParameters:
				rec.RequiredFields = p.RequiredFields
			case ConnAwaitingOAuth:
				rec.AuthURL = p.AuthURL
			case ConnEstablished:
				rec.Tools = p.Tools
			case ConnErrored:
				rec.Error = p.Error
			case ConnClosed:
				rec.Tools = nil
			}
			recs := maps.Clone(c.Records)
			if recs == nil {
				recs = map[string]ConnectionRecord{}
			}
			recs[p.Key.String()] = rec
			c.Records = recs
			return c, nil
		}
	}
	agent.Handle(s, EventConnectionRequested, transition(ConnRequested))
	agent.Handle(s, EventConnectionAwaitingParameters, transition(ConnAwaitingParameters))
	agent.Handle(s, EventConnectionAwaitingOAuth, transition(ConnAwaitingOAuth))
	agent.Handle(s, EventConnectionOAuthCallback, transition(ConnConnecting))
	agent.Handle(s, EventConnectionEstablished, transition(ConnEstablished))
	agent.Handle(s, EventConnectionFailed, transition(ConnErrored))
	agent.Handle(s, EventConnectionClosed, transition(ConnClosed))
	return s
}
