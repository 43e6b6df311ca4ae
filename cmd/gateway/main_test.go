package main

import (
	"strings"
	"testing"
)

const mainTestPrefix = "cmd/gateway:main_test"

func TestUsage_ContainsCommands(t *testing.T) {
	for _, word := range []string{"serve", "migrate", "ensure-db", "clear", "BUS_URL", "DATABASE_URL"} {
		if !strings.Contains(usage, word) {
			t.Errorf("%s - usage should contain %q", mainTestPrefix, word)
		}
	}
}

func TestRun_Help(t *testing.T) {
	if err := run([]string{"help"}); err != nil {
		t.Errorf("%s - help returned %v", mainTestPrefix, err)
	}
}

func TestRun_MigrateRequiresSubcommand(t *testing.T) {
	if err := run([]string{"migrate"}); err == nil {
		t.Errorf("%s - migrate without subcommand should fail", mainTestPrefix)
	}
	err := run([]string{"migrate", "sideways"})
	if err == nil || !strings.Contains(err.Error(), "sideways") {
		t.Errorf("%s - unknown subcommand error = %v", mainTestPrefix, err)
	}
}

func TestDatabaseURLFor(t *testing.T) {
	got, err := databaseURLFor("postgres://u:p@db:5432/app?sslmode=disable", "gw_test")
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", mainTestPrefix, err)
	}
	want := "postgres://u:p@db:5432/gw_test?sslmode=disable"
	if got != want {
		t.Errorf("%s - got %q, want %q", mainTestPrefix, got, want)
	}
}
