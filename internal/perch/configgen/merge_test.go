package configgen_test

import (
	"reflect"
	"testing"

	"github.com/perch-run/perch/internal/perch/configgen"
)

func TestMergePreservesUntouchedKeys(t *testing.T) {
	existing := map[string]any{
		"channels": map[string]any{
			"telegram": map[string]any{
				"enabled":   true,
				"botToken":  "old-token",
				"dmPolicy":  "open",
				"allowFrom": []any{"alice", "bob"}, // written by the runtime itself
			},
		},
		"onboarding": map[string]any{"completed": true},
	}
	delta := map[string]any{
		"channels": map[string]any{
			"telegram": map[string]any{
				"enabled":  true,
				"botToken": "new-token",
			},
		},
		"gateway": map[string]any{
			"auth": map[string]any{"token": "gw"},
		},
	}

	merged := configgen.Merge(existing, delta)

	tg := merged["channels"].(map[string]any)["telegram"].(map[string]any)
	if tg["botToken"] != "new-token" {
		t.Errorf("delta scalar should overwrite, got %v", tg["botToken"])
	}
	if tg["dmPolicy"] != "open" {
		t.Errorf("untouched policy lost: %v", tg["dmPolicy"])
	}
	if !reflect.DeepEqual(tg["allowFrom"], []any{"alice", "bob"}) {
		t.Errorf("runtime-written key lost: %v", tg["allowFrom"])
	}
	if ob, ok := merged["onboarding"].(map[string]any); !ok || ob["completed"] != true {
		t.Errorf("sibling section lost: %v", merged["onboarding"])
	}
	if _, ok := merged["gateway"]; !ok {
		t.Error("new section from delta missing")
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	existing := map[string]any{"a": map[string]any{"x": 1}}
	delta := map[string]any{"a": map[string]any{"y": 2}}

	configgen.Merge(existing, delta)

	if _, ok := existing["a"].(map[string]any)["y"]; ok {
		t.Error("existing mutated by merge")
	}
}

func TestMergeTypeMismatchOverwrites(t *testing.T) {
	existing := map[string]any{"channels": "broken"}
	delta := map[string]any{"channels": map[string]any{"telegram": map[string]any{"enabled": true}}}

	merged := configgen.Merge(existing, delta)
	if _, ok := merged["channels"].(map[string]any); !ok {
		t.Errorf("delta map should replace non-map value, got %T", merged["channels"])
	}
}

func TestParseExistingEmpty(t *testing.T) {
	doc, err := configgen.ParseExisting(nil)
	if err != nil {
		t.Fatalf("ParseExisting(nil): %v", err)
	}
	if len(doc) != 0 {
		t.Errorf("expected empty document, got %v", doc)
	}
}

func TestValidateDocument(t *testing.T) {
	valid := map[string]any{
		"gateway": map[string]any{
			"auth": map[string]any{"token": "gw"},
		},
	}
	if err := configgen.ValidateDocument(valid); err != nil {
		t.Fatalf("valid document rejected: %v", err)
	}

	invalid := map[string]any{
		"gateway": map[string]any{
			"auth": map[string]any{"token": ""},
		},
	}
	if err := configgen.ValidateDocument(invalid); err == nil {
		t.Fatal("empty gateway token accepted")
	}
}
