package domain

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestDomainDependsOnStandardLibraryOnly ensures the domain package stays free
// of infrastructure concerns. Stores, transports, and rendering all live behind
// it; nothing here may import them or any third-party module.
func TestDomainDependsOnStandardLibraryOnly(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	pkgs, err := packages.Load(cfg, "permitcore/pkg/domain")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	var violations []string
	for _, pkg := range pkgs {
		for importPath := range pkg.Imports {
			if isStdlibImport(importPath) {
				continue
			}
			violations = append(violations, pkg.PkgPath+": "+importPath)
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden import in domain package: %s", v)
		}
		t.Fatalf("found %d forbidden imports", len(violations))
	}
}

// TestCoreDoesNotImportAdapters keeps the dependency direction one way: the
// adapters call into the service, never the reverse.
func TestCoreDoesNotImportAdapters(t *testing.T) {
	adaptersPrefix := "permitcore/internal/adapters"

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	pkgs, err := packages.Load(cfg, "permitcore/internal/core/...", "permitcore/pkg/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	var violations []string
	for _, pkg := range pkgs {
		for importPath := range pkg.Imports {
			if importPath == adaptersPrefix || strings.HasPrefix(importPath, adaptersPrefix+"/") {
				violations = append(violations, pkg.PkgPath+": "+importPath)
			}
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden import of adapters package: %s", v)
		}
		t.Fatalf("found %d forbidden imports", len(violations))
	}
}

// isStdlibImport reports whether the path names a standard library package.
// Standard library paths never contain a dot in their first segment.
func isStdlibImport(importPath string) bool {
	first := importPath
	if i := strings.Index(importPath, "/"); i >= 0 {
		first = importPath[:i]
	}
	return !strings.Contains(first, ".")
}
