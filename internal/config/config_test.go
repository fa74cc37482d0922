package config

import (
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/joho/godotenv"
)

// Passwords regularly contain quote characters; make sure the .env parser
// keeps them intact.
func TestPasswordQuoting(t *testing.T) {
	content := `TFS_PASSWORD='pa"ss$wo"rd'`
	tmpfile, err := os.CreateTemp("", ".env.test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	env, err := godotenv.Read(tmpfile.Name())
	if err != nil {
		t.Fatalf("Error reading env: %v", err)
	}

	expected := `pa"ss$wo"rd`
	if env["TFS_PASSWORD"] != expected {
		t.Errorf("Expected %s, got %s", expected, env["TFS_PASSWORD"])
	}
}

func TestGetEnvList(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  []string
	}{
		{"plain", "Task,Issue", []string{"Task", "Issue"}},
		{"spaces", " Task , Product Backlog Item ", []string{"Task", "Product Backlog Item"}},
		{"empty items", "Task,,Issue,", []string{"Task", "Issue"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_LIST_VAR", tt.value)
			got := getEnvList("TEST_LIST_VAR", "")
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("getEnvList(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestGetEnvListFallback(t *testing.T) {
	os.Unsetenv("TEST_LIST_MISSING")
	got := getEnvList("TEST_LIST_MISSING", "User Story,Product Backlog Item")
	want := []string{"User Story", "Product Backlog Item"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("fallback = %v, want %v", got, want)
	}
}

func TestValidateReportsMissingKeys(t *testing.T) {
	cfg := &AppConfig{}
	err := cfg.validate()
	if err == nil {
		t.Fatal("expected an error for an empty configuration")
	}
	for _, key := range []string{"SPIRA_URL", "TFS_COLLECTION_URL", "TFS_PASSWORD"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not name %s", err, key)
		}
	}
}
