package db

import (
	"context"
	"net/url"
	"testing"
)

const ensureTestPrefix = "db:ensure_test"

func TestMaintenanceURL(t *testing.T) {
	u, _ := url.Parse("postgres://gw:secret@db:5432/service_gateway?sslmode=disable")
	got := maintenanceURL(u)
	if got != "postgres://gw:secret@db:5432/postgres?sslmode=disable" {
		t.Errorf("%s - maintenanceURL = %q, want path /postgres", ensureTestPrefix, got)
	}
	if u.Path != "/service_gateway" {
		t.Errorf("%s - maintenanceURL modified its input: %q", ensureTestPrefix, u.Path)
	}
}

func TestTargetDatabase(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"postgres://db/service_gateway", "service_gateway", false},
		{"postgres://db/", "", true},
		{"postgres://db/gw;drop", "", true},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.raw)
		got, err := targetDatabase(u)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("%s - targetDatabase(%q) = %q, %v", ensureTestPrefix, tt.raw, got, err)
		}
	}
}

func TestQuoteIdent(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"service_gateway", `"service_gateway"`},
		{`gw"x`, `"gw""x"`},
	}
	for _, tt := range tests {
		if got := quoteIdent(tt.name); got != tt.want {
			t.Errorf("%s - quoteIdent(%q) = %q, want %q", ensureTestPrefix, tt.name, got, tt.want)
		}
	}
}

func TestEnsureDatabase_RejectsBadURLs(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"unparseable", "://invalid"},
		{"no database name", "postgres://localhost:5432/?sslmode=disable"},
		{"hyphen in name", "postgres://localhost:5432/service-gateway?sslmode=disable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := EnsureDatabase(context.Background(), tt.url); err == nil {
				t.Errorf("%s - expected error for %q", ensureTestPrefix, tt.url)
			}
		})
	}
}
