package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCommandsRegistered(t *testing.T) {
	want := []string{"serve", "run", "resume", "status", "embed", "migrate", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("command %q not registered: %v", name, err)
		}
	}
}

func TestRunRejectsBadUser(t *testing.T) {
	rootCmd.SetArgs([]string{"run", "--user", "not-a-uuid", "--path", "export.json"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--user must be a uuid") {
		t.Fatalf("err = %v", err)
	}
}

func TestMigrateCreatesSQLiteTables(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "import.db")
	t.Setenv("LOG_MODE", "test")
	t.Setenv("IMPORT_DB_DRIVER", "sqlite")
	t.Setenv("IMPORT_DB_DSN", dsn)
	configPath = ""

	rootCmd.SetArgs([]string{"migrate"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := os.Stat(dsn); err != nil {
		t.Fatalf("database file not created: %v", err)
	}
}
