package gcp

import (
	"os"
	"strings"

	"google.golang.org/api/option"
)

// ClientOptions prefers explicit credentials, then GOOGLE_APPLICATION_CREDENTIALS_JSON and
// GOOGLE_APPLICATION_CREDENTIALS. Either may hold inline JSON or a file path. With none
// set the client falls back to application default credentials.
func ClientOptions(explicit string) []option.ClientOption {
	creds := strings.TrimSpace(explicit)
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	}
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	if creds == "" {
		return nil
	}
	if strings.HasPrefix(creds, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	}
	return []option.ClientOption{option.WithCredentialsFile(creds)}
}
