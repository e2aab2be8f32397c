package migrate

import "testing"

func TestParseFilename(t *testing.T) {
	tests := []struct {
		in      string
		version int
		name    string
		wantErr bool
	}{
		{"001_initial_schema.sql", 1, "initial_schema", false},
		{"012_add_index.sql", 12, "add_index", false},
		{"nope.sql", 0, "", true},
		{"abc_name.sql", 0, "", true},
	}
	for _, tt := range tests {
		version, name, err := parseFilename(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseFilename(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && (version != tt.version || name != tt.name) {
			t.Errorf("parseFilename(%q) = (%d, %q), want (%d, %q)", tt.in, version, name, tt.version, tt.name)
		}
	}
}

func TestAvailableMigrationsOrdered(t *testing.T) {
	migs, err := availableMigrations()
	if err != nil {
		t.Fatalf("availableMigrations: %v", err)
	}
	if len(migs) == 0 {
		t.Fatal("no embedded migrations found")
	}
	for i := 1; i < len(migs); i++ {
		if migs[i].version <= migs[i-1].version {
			t.Errorf("migrations out of order: %d before %d", migs[i-1].version, migs[i].version)
		}
	}
	for _, m := range migs {
		if m.sql == "" {
			t.Errorf("migration %03d_%s is empty", m.version, m.name)
		}
	}
}
