package analysis

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := strings.Join([]string{
		"# database settings",
		"db_url=postgres://localhost/dev",
		"",
		"API_KEY=\"secret value\"",
		"token='abc'",
		"EMPTY=",
		"not a pair",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	vars, err := LoadEnvFile(path)
	if err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	want := map[string]string{
		"DB_URL":  "postgres://localhost/dev",
		"API_KEY": "secret value",
		"TOKEN":   "abc",
		"EMPTY":   "",
	}
	if len(vars) != len(want) {
		t.Fatalf("vars = %v", vars)
	}
	for k, v := range want {
		if vars[k] != v {
			t.Errorf("vars[%q] = %q, want %q", k, vars[k], v)
		}
	}
}

func TestLoadEnvFileMissing(t *testing.T) {
	vars, err := LoadEnvFile(filepath.Join(t.TempDir(), ".env"))
	if err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if len(vars) != 0 {
		t.Fatalf("vars = %v, want empty", vars)
	}
}

func TestSaveEnvFilePreservesComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	original := "# database settings\nDB_URL=old\n\n# auth\nAPI_KEY=k1\nDROPPED=x\n"
	if err := os.WriteFile(path, []byte(original), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	err := SaveEnvFile(path, map[string]string{
		"db_url":  "postgres://localhost/prod",
		"API_KEY": "k2",
		"ADDED":   "new",
	})
	if err != nil {
		t.Fatalf("SaveEnvFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := string(data)
	want := "# database settings\nDB_URL=postgres://localhost/prod\n\n# auth\nAPI_KEY=k2\nADDED=new\n"
	if got != want {
		t.Fatalf("saved env:\n%q\nwant:\n%q", got, want)
	}
}

func TestSaveEnvFileNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := SaveEnvFile(path, map[string]string{"b": "2", "A": "1"}); err != nil {
		t.Fatalf("SaveEnvFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "A=1\nB=2\n" {
		t.Fatalf("saved env = %q", string(data))
	}
}

func TestEnvSlice(t *testing.T) {
	got := envSlice(map[string]string{"B": "2", "A": "1"})
	if len(got) != 2 || got[0] != "A=1" || got[1] != "B=2" {
		t.Fatalf("envSlice = %v", got)
	}
}
