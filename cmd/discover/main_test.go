package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/discoversutd/discover/internal/auth/models"
)

const testSecret = "k3p9Zq7vR2mX8wL5tB1nY6cF4hJ0dS9gA2eU7iO3"

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "database:\n" +
		"  driver: sqlite\n" +
		"  dsn: " + filepath.Join(dir, "discover.db") + "\n" +
		"auth:\n" +
		"  jwt_secret: " + testSecret + "\n" +
		"logging:\n" +
		"  loggers:\n" +
		"    discover:\n" +
		"      level: error\n" +
		"      output_paths: [stderr]\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMigrateThenCreateAndListUsers(t *testing.T) {
	cfg := writeConfig(t)

	if _, err := run(t, "--config", cfg, "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	out, err := run(t, "--config", cfg, "user", "create",
		"--email", "Admin@SUTD.edu.sg", "--name", "Ada Admin", "--role", "admin", "--password", "Tr0ub4dor&Horse")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(out, "admin@sutd.edu.sg") {
		t.Errorf("create output = %q", out)
	}

	out, err = run(t, "--config", cfg, "user", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "admin@sutd.edu.sg") || !strings.Contains(out, "admin") {
		t.Errorf("list output = %q", out)
	}
}

func TestUserCreateRejectsBadInput(t *testing.T) {
	cfg := writeConfig(t)
	t.Setenv(passwordEnv, "")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no password", []string{"--email", "a@sutd.edu.sg", "--name", "A"}, passwordEnv},
		{"bad role", []string{"--email", "a@sutd.edu.sg", "--name", "A", "--password", "Tr0ub4dor&Horse", "--role", "root"}, "invalid role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--config", cfg, "user", "create"}, tt.args...)
			_, err := run(t, args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestPrintUsers(t *testing.T) {
	var buf bytes.Buffer
	printUsers(&buf, nil)
	if !strings.Contains(buf.String(), "No users found") {
		t.Errorf("empty output = %q", buf.String())
	}

	buf.Reset()
	printUsers(&buf, []models.User{{
		ID:        7,
		Email:     "club@sutd.edu.sg",
		Role:      models.RoleClub,
		IsActive:  true,
		CreatedAt: time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC),
	}})
	for _, want := range []string{"club@sutd.edu.sg", "club", "true", "2026-04-06 10:00:00"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}
}
