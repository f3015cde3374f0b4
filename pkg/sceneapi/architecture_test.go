package sceneapi_test

import (
	"testing"

	"tokenvault/testutil"
)

func TestSceneAPIDoesNotImportInternal(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden,
		"scene contracts must stay free of implementation packages")
}
