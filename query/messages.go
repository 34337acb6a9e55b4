package query

import (
	"strings"

	"github.com/goliatone/go-appclient/core"
)

const (
	TypeGetCredential    = "appclient.query.credential.get"
	TypeConnectionStatus = "appclient.query.connection.status"
)

type GetCredentialMessage struct {
	Key core.CredentialKey
}

func (GetCredentialMessage) Type() string { return TypeGetCredential }

func (m GetCredentialMessage) Validate() error {
	if strings.TrimSpace(m.Key.AppID) == "" {
		return queryValidationError("key.app_id", "is required")
	}
	return queryWrapValidation(m.Key.Normalize().Validate(), "query: invalid credential key")
}

type ConnectionStatusMessage struct{}

func (ConnectionStatusMessage) Type() string { return TypeConnectionStatus }

func (ConnectionStatusMessage) Validate() error { return nil }
