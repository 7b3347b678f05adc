package osmapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// Credentials hold one task's delegated OAuth token.
type Credentials struct {
	token *oauth2.Token
}

// ParseCredentials turns a task's stored token blob into usable
// credentials. The blob is the JSON-marshalled oauth2 token the front
// end saved at login; a bare string is accepted as a raw bearer token.
// Legacy token+secret pairs from the OAuth 1 era are rejected; those
// tasks predate the current credential scheme and cannot be signed.
func ParseCredentials(tokenBlob, secret string) (*Credentials, error) {
	if strings.TrimSpace(secret) != "" {
		return nil, fmt.Errorf("task carries OAuth 1 credentials, which are no longer accepted by the OSM API; please log in and resubmit")
	}
	blob := strings.TrimSpace(tokenBlob)
	if blob == "" {
		return nil, fmt.Errorf("task has no OAuth token")
	}

	if strings.HasPrefix(blob, "{") {
		var token oauth2.Token
		if err := json.Unmarshal([]byte(blob), &token); err != nil {
			return nil, fmt.Errorf("parse oauth token: %w", err)
		}
		if token.AccessToken == "" {
			return nil, fmt.Errorf("oauth token has no access_token")
		}
		return &Credentials{token: &token}, nil
	}

	return &Credentials{token: &oauth2.Token{AccessToken: blob, TokenType: "Bearer"}}, nil
}

func (c *Credentials) sign(req *http.Request) error {
	if c == nil || c.token == nil {
		return fmt.Errorf("no credentials to sign request with")
	}
	c.token.SetAuthHeader(req)
	return nil
}
