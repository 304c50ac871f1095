package migrations

import (
	"io/fs"
	"testing"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(FS, "*.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	downs, err := fs.Glob(FS, "*.down.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(ups) == 0 {
		t.Fatal("no up migrations embedded")
	}
	if len(ups) != len(downs) {
		t.Fatalf("unpaired migrations: %d up, %d down", len(ups), len(downs))
	}
}
