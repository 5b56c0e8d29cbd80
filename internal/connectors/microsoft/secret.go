package microsoft

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrSecretUnavailable indicates a secret reference could not be resolved.
var ErrSecretUnavailable = errors.New("microsoft: client secret unavailable")

// ResolveSecret resolves a client secret reference.
//
//	env:NAME    value of environment variable NAME
//	file:/path  contents of the file, surrounding whitespace trimmed
//	anything    the literal value
func ResolveSecret(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		v := os.Getenv(name)
		if v == "" {
			return "", fmt.Errorf("%w: environment variable %s is empty", ErrSecretUnavailable, name)
		}
		return v, nil
	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimPrefix(ref, "file:")
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrSecretUnavailable, err)
		}
		v := strings.TrimSpace(string(data))
		if v == "" {
			return "", fmt.Errorf("%w: %s is empty", ErrSecretUnavailable, path)
		}
		return v, nil
	case ref == "":
		return "", fmt.Errorf("%w: no secret configured", ErrSecretUnavailable)
	default:
		return ref, nil
	}
}
