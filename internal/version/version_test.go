package version_test

import (
	"regexp"
	"strings"
	"testing"

	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/version"
)

func TestCurrent(t *testing.T) {
	t.Parallel()

	if !regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+$`).MatchString(version.Current) {
		t.Fatalf("Current=%q is not <major>.<minor>.<patch>", version.Current)
	}
	ua := version.UserAgent()
	if !strings.HasPrefix(ua, "claims-warehouse/") || !strings.HasSuffix(ua, version.Current) {
		t.Fatalf("UserAgent()=%q", ua)
	}
}
