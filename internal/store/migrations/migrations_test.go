package migrations

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestVersionsAreSortedAndFiltered(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/0002_b.sql":   {Data: []byte("SELECT 2;")},
		"sql/0001_a.SQL":   {Data: []byte("SELECT 1;")},
		"sql/README.md":    {Data: []byte("notes")},
		"sql/nested/x.sql": {Data: []byte("SELECT 3;")},
	}

	got, err := Versions(fsys)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if strings.Join(got, ",") != "0001_a.SQL,0002_b.sql" {
		t.Fatalf("unexpected versions %v", got)
	}
}

func TestEmbeddedSchemaDeclaresUniqueConstraints(t *testing.T) {
	names, err := Versions(nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(names) == 0 {
		t.Fatal("expected at least one embedded migration")
	}

	body, err := files.ReadFile("sql/" + names[0])
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, want := range []string{
		"offramp_orders_provider_ref_key UNIQUE (provider, provider_transaction_ref)",
		"offramp_orders_deposit_ref_key UNIQUE (deposit_transaction_ref)",
		"offramp_settlements_order_key UNIQUE (order_id)",
		"offramp_intents_deposit_ref_key UNIQUE (deposit_transaction_ref)",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected schema to contain %q", want)
		}
	}
}
