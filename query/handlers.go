package query

import (
	"context"
	"time"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-appclient/connection"
	"github.com/goliatone/go-appclient/core"
)

type CredentialReader interface {
	Get(ctx context.Context, key core.CredentialKey) (core.Credential, error)
}

type ConnectionReader interface {
	Snapshot() connection.Snapshot
}

type GetCredentialQuery struct {
	reader CredentialReader
}

func NewGetCredentialQuery(reader CredentialReader) *GetCredentialQuery {
	return &GetCredentialQuery{reader: reader}
}

// Query returns a usable credential, refreshing through the reader when
// the cached one is missing or inside the safety margin.
func (q *GetCredentialQuery) Query(ctx context.Context, msg GetCredentialMessage) (core.Credential, error) {
	if q == nil || q.reader == nil {
		return core.Credential{}, queryDependencyError("query: credential reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.Credential{}, err
	}
	return q.reader.Get(ctx, msg.Key.Normalize())
}

type ConnectionStatus struct {
	State            string    `json:"state"`
	SessionID        string    `json:"session_id,omitempty"`
	ReconnectAttempt int       `json:"reconnect_attempt"`
	Degraded         bool      `json:"degraded"`
	LastHeartbeatAt  time.Time `json:"last_heartbeat_at,omitzero"`
	LastError        string    `json:"last_error,omitempty"`
	ChangedAt        time.Time `json:"changed_at"`
}

type ConnectionStatusQuery struct {
	reader ConnectionReader
}

func NewConnectionStatusQuery(reader ConnectionReader) *ConnectionStatusQuery {
	return &ConnectionStatusQuery{reader: reader}
}

func (q *ConnectionStatusQuery) Query(_ context.Context, _ ConnectionStatusMessage) (ConnectionStatus, error) {
	if q == nil || q.reader == nil {
		return ConnectionStatus{}, queryDependencyError("query: connection reader is required")
	}
	snapshot := q.reader.Snapshot()
	return ConnectionStatus{
		State:            snapshot.State.String(),
		SessionID:        snapshot.SessionID,
		ReconnectAttempt: snapshot.ReconnectAttempt,
		Degraded:         snapshot.Degraded(),
		LastHeartbeatAt:  snapshot.LastHeartbeatAt,
		LastError:        snapshot.LastError,
		ChangedAt:        snapshot.ChangedAt,
	}, nil
}

var (
	_ gocmd.Querier[GetCredentialMessage, core.Credential]     = (*GetCredentialQuery)(nil)
	_ gocmd.Querier[ConnectionStatusMessage, ConnectionStatus] = (*ConnectionStatusQuery)(nil)
	_ CredentialReader                                         = (*core.CredentialManager)(nil)
	_ ConnectionReader                                         = (*connection.Client)(nil)
)
