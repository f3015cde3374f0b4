package memory_test

import (
	"strings"
	"testing"

	"tokenvault/testutil"
)

func TestImportsAreDomainOrStdlib(t *testing.T) {
	outsideDomain := func(path string) bool {
		return strings.HasPrefix(path, "tokenvault/") && path != "tokenvault/pkg/domain"
	}
	testutil.AssertNoDirectImports(t, ".", outsideDomain, "the memory store depends on pkg/domain only")
}
