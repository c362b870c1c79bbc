package archive

import (
	"testing"

	"timestack/testutil"
)

func TestArchiveStaysDriverAgnostic(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.AnyOf(testutil.InfraImport, testutil.DriverImport),
		"archive reaches storage through core and blob")
}
