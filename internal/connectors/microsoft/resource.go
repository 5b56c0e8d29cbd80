package microsoft

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultAuthorityHost is the Azure AD public cloud authority.
const DefaultAuthorityHost = "https://login.microsoftonline.com"

// ResourceFromEndpoint returns the scheme://host of a service endpoint,
// which is the resource an access token must be issued for.
func ResourceFromEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint %q is not an absolute URL", endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}

// TokenURL returns the v2.0 token endpoint for a tenant.
func TokenURL(authorityHost, tenantID string) string {
	if authorityHost == "" {
		authorityHost = DefaultAuthorityHost
	}
	return strings.TrimSuffix(authorityHost, "/") + "/" + url.PathEscape(tenantID) + "/oauth2/v2.0/token"
}

// Scope returns the client-credentials scope for a resource.
func Scope(resource string) string {
	return strings.TrimSuffix(resource, "/") + "/.default"
}
