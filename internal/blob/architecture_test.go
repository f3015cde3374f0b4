package blob_test

import (
	"slices"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"

	"tokenvault/testutil"
)

// Drivers under internal/infra/blob are reached through blob.Open only.
func TestOnlyBlobPackageImportsInfra(t *testing.T) {
	const infra = "tokenvault/internal/infra/blob"
	underInfra := testutil.ImportsUnder(infra)

	pkgs, err := packages.Load(&packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}, "tokenvault/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	var offenders []string
	for _, pkg := range pkgs {
		path := strings.TrimSuffix(pkg.PkgPath, "_test")
		if path == "tokenvault/internal/blob" || underInfra(path) {
			continue
		}
		for imp := range pkg.Imports {
			if underInfra(imp) {
				offenders = append(offenders, pkg.PkgPath+" -> "+imp)
			}
		}
	}
	slices.Sort(offenders)
	offenders = slices.Compact(offenders)
	for _, o := range offenders {
		t.Errorf("infra blob import outside internal/blob: %s", o)
	}
}
