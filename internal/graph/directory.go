package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
)

// ErrMailboxDisabled is returned when the directory user exists but its
// account is disabled.
var ErrMailboxDisabled = errors.New("graph: mailbox account is disabled")

var mailboxFields = []string{"id", "displayName", "mail", "userPrincipalName", "accountEnabled"}

// Mailbox is a directory user that owns a mailbox.
type Mailbox struct {
	ID                string `json:"id"`
	DisplayName       string `json:"display_name"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"user_principal_name"`
	Enabled           bool   `json:"enabled"`
}

// Directory resolves mailbox addresses against the tenant directory using
// the Graph SDK.
type Directory struct {
	client *msgraphsdk.GraphServiceClient
}

// NewDirectory builds a Graph SDK client over cred. An empty baseURL keeps
// the SDK default.
func NewDirectory(cred azcore.TokenCredential, baseURL string) (*Directory, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("create graph client: %w", err)
	}
	if baseURL != "" {
		client.GetAdapter().SetBaseUrl(strings.TrimRight(baseURL, "/"))
	}
	return &Directory{client: client}, nil
}

// Lookup returns the directory user for address.
func (d *Directory) Lookup(ctx context.Context, address string) (*Mailbox, error) {
	cfg := &users.UserItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.UserItemRequestBuilderGetQueryParameters{
			Select: mailboxFields,
		},
	}

	user, err := d.client.Users().ByUserId(address).Get(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("look up mailbox %s: %w", address, err)
	}

	mb := mailboxFromUser(user)
	if !mb.Enabled {
		return mb, ErrMailboxDisabled
	}
	return mb, nil
}

func mailboxFromUser(u models.Userable) *Mailbox {
	mb := &Mailbox{Enabled: true}
	if u == nil {
		return mb
	}
	if v := u.GetId(); v != nil {
		mb.ID = *v
	}
	if v := u.GetDisplayName(); v != nil {
		mb.DisplayName = *v
	}
	if v := u.GetMail(); v != nil {
		mb.Mail = *v
	}
	if v := u.GetUserPrincipalName(); v != nil {
		mb.UserPrincipalName = *v
	}
	if v := u.GetAccountEnabled(); v != nil {
		mb.Enabled = *v
	}
	return mb
}
