package sqlite_test

import (
	"strings"
	"testing"

	"tokenvault/testutil"
)

func TestImportsAreDomainOrStdlib(t *testing.T) {
	allowed := map[string]bool{
		"tokenvault/pkg/domain":                        true,
		"tokenvault/internal/infra/persistence/memory": true,
	}
	forbidden := func(path string) bool {
		return strings.HasPrefix(path, "tokenvault/") && !allowed[path]
	}
	testutil.AssertNoDirectImports(t, ".", forbidden, "the sqlite store wraps the memory store and nothing else")
}
