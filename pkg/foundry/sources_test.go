package foundry_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/foundry"
)

func TestLoadSourceCredentialsFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	doc := `{"warehouse":{"DatabaseUrl":"postgres://x","additionalSecretRedisUrl":"redis://y"," ":"blank"},"other":{}}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SOURCE_CREDENTIALS", path)

	creds, err := foundry.LoadSourceCredentialsFromEnv()
	if err != nil {
		t.Fatalf("LoadSourceCredentialsFromEnv: %v", err)
	}
	if diff := cmp.Diff([]string{"other", "warehouse"}, creds.SourceNames()); diff != "" {
		t.Fatalf("source names mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"DatabaseUrl", "additionalSecretRedisUrl"}, creds.SecretNames(" warehouse ")); diff != "" {
		t.Fatalf("secret names mismatch (-want +got):\n%s", diff)
	}
	if got := creds.SecretNames("missing"); got != nil {
		t.Fatalf("SecretNames(missing)=%v", got)
	}

	tests := []struct {
		source, secret string
		want           string
		ok             bool
	}{
		{"warehouse", "DatabaseUrl", "postgres://x", true},
		{"warehouse", "RedisUrl", "redis://y", true},
		{"warehouse", "PubSubCredentials", "", false},
		{"other", "DatabaseUrl", "", false},
		{"", "DatabaseUrl", "", false},
	}
	for _, tt := range tests {
		got, ok := creds.GetSecret(tt.source, tt.secret)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("GetSecret(%q, %q)=%q,%v want %q,%v", tt.source, tt.secret, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLoadSourceCredentialsFromEnv_Errors(t *testing.T) {
	t.Setenv("SOURCE_CREDENTIALS", "")
	if _, err := foundry.LoadSourceCredentialsFromEnv(); err == nil {
		t.Fatalf("expected error when SOURCE_CREDENTIALS is unset")
	}

	path := filepath.Join(t.TempDir(), "creds.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SOURCE_CREDENTIALS", path)
	if _, err := foundry.LoadSourceCredentialsFromEnv(); err == nil {
		t.Fatalf("expected parse error")
	}
}
