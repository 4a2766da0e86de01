package graph

import (
	"context"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCredential struct{}

func (staticCredential) GetToken(context.Context, policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: "tok", ExpiresOn: time.Now().Add(time.Hour)}, nil
}

func TestMailboxFromUser(t *testing.T) {
	user := models.NewUser()
	id := "8c2f"
	name := "Operations"
	addr := "ops@example.com"
	upn := "ops@example.onmicrosoft.com"
	enabled := false
	user.SetId(&id)
	user.SetDisplayName(&name)
	user.SetMail(&addr)
	user.SetUserPrincipalName(&upn)
	user.SetAccountEnabled(&enabled)

	mb := mailboxFromUser(user)

	assert.Equal(t, &Mailbox{
		ID:                "8c2f",
		DisplayName:       "Operations",
		Mail:              "ops@example.com",
		UserPrincipalName: "ops@example.onmicrosoft.com",
		Enabled:           false,
	}, mb)
}

func TestMailboxFromUser_DefaultsToEnabled(t *testing.T) {
	mb := mailboxFromUser(models.NewUser())
	assert.True(t, mb.Enabled)
}

func TestNewDirectory(t *testing.T) {
	dir, err := NewDirectory(staticCredential{}, "https://graph.microsoft.com/v1.0/")
	require.NoError(t, err)
	assert.NotNil(t, dir)
}
