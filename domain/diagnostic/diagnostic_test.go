package diagnostic_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/artpar/macrodeck/domain/diagnostic"
)

func TestLocate(t *testing.T) {
	src := []byte("version: 1\nmacros:\n  copy:\n    status: ready\n")

	tests := []struct {
		name string
		path string
		want *diagnostic.Location
	}{
		{"last segment", "macros.copy", &diagnostic.Location{Line: 3, Column: 3}},
		{"nested", "macros.copy.status", &diagnostic.Location{Line: 4, Column: 5}},
		{"no dots", "version", &diagnostic.Location{Line: 1, Column: 1}},
		{"missing", "macros.paste", nil},
		{"trailing dot", "macros.", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := diagnostic.Locate(src, tt.path)
			if tt.want == nil {
				if got != nil {
					t.Errorf("Locate(%q) = %+v, want nil", tt.path, got)
				}
				return
			}
			if got == nil || *got != *tt.want {
				t.Errorf("Locate(%q) = %+v, want %+v", tt.path, got, tt.want)
			}
		})
	}
}

func TestLocate_FirstOccurrenceWins(t *testing.T) {
	// "pad" appears in a comment before the widget; the lookup is best-effort
	// and reports the earlier line.
	src := []byte("# pad layout\ndevices:\n  d:\n    pages:\n      - widgets:\n          - id: pad\n")
	got := diagnostic.Locate(src, "devices.d.pages[0].widgets.pad")
	if got == nil || got.Line != 1 || got.Column != 3 {
		t.Errorf("Locate = %+v, want line 1 column 3", got)
	}
}

func TestList(t *testing.T) {
	l := diagnostic.List{
		diagnostic.New("a", "one", diagnostic.Warning),
		diagnostic.New("b", "two", diagnostic.Info),
	}
	if l.HasErrors() {
		t.Error("HasErrors = true without errors")
	}

	l = append(l, diagnostic.New("c", "three", diagnostic.Error))
	if !l.HasErrors() {
		t.Error("HasErrors = false with an error")
	}
	if got := l.Count(diagnostic.Warning); got != 1 {
		t.Errorf("Count(Warning) = %d, want 1", got)
	}
	errs := l.Filter(diagnostic.Error)
	if len(errs) != 1 || errs[0].Path != "c" {
		t.Errorf("Filter(Error) = %+v", errs)
	}
}

func TestDiagnostic_String(t *testing.T) {
	d := diagnostic.New("macros.copy.trigger", "Ready macro missing trigger", diagnostic.Warning)
	if got := d.String(); got != "[warning] macros.copy.trigger: Ready macro missing trigger" {
		t.Errorf("String() = %q", got)
	}

	d.Location = &diagnostic.Location{Line: 4, Column: 7}
	if !strings.HasSuffix(d.String(), "(line 4, column 7)") {
		t.Errorf("String() = %q, want location suffix", d.String())
	}
}

func TestDiagnostic_JSON(t *testing.T) {
	d := diagnostic.New("version", "Unsupported schema version 2 (expected 1)", diagnostic.Error)
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"severity":"error"`) {
		t.Errorf("json = %s, want named severity", data)
	}
}

func TestParseWidgetPath(t *testing.T) {
	ref, ok := diagnostic.ParseWidgetPath("devices.launchpad.pages[2].widgets.pad_1")
	if !ok {
		t.Fatal("expected widget path to parse")
	}
	if ref.DeviceID != "launchpad" || ref.PageIndex != 2 || ref.WidgetID != "pad_1" {
		t.Errorf("ref = %+v", ref)
	}

	for _, path := range []string{
		"devices.launchpad.hardware_id",
		"macros.copy.trigger",
		"devices.launchpad.pages[x].widgets.pad_1",
		"devices..pages[0].widgets.pad",
		"devices.d.pages[0].widgets.",
	} {
		if _, ok := diagnostic.ParseWidgetPath(path); ok {
			t.Errorf("ParseWidgetPath(%q) should fail", path)
		}
	}
}
