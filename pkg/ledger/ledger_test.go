package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testRecord(tx string) PaymentRecord {
	return PaymentRecord{
		Payer:       "0xdef",
		Transaction: tx,
		Network:     "base-sepolia",
		Amount:      "1000",
		Asset:       "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:       "0x376b7271dD22D14D82Ef594324ea14e7670ed5b2",
		IPAddress:   "1.2.3.4",
		Timestamp:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestLedger_AppendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payments.json")

	led, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer led.Close()

	rec := testRecord("0xabc")
	if err := led.Append(rec); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	if led.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", led.Count())
	}
	if diff := cmp.Diff([]PaymentRecord{rec}, led.All()); diff != "" {
		t.Errorf("All() mismatch (-want +got):\n%s", diff)
	}
}

func TestLedger_RestartPreservesOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payments.json")

	led, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	want := []PaymentRecord{testRecord("0x1"), testRecord("0x2"), testRecord("0x3")}
	for _, rec := range want {
		if err := led.Append(rec); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	if err := led.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open() after restart error: %v", err)
	}
	defer reopened.Close()

	if diff := cmp.Diff(want, reopened.All()); diff != "" {
		t.Errorf("All() after restart mismatch (-want +got):\n%s", diff)
	}
}

func TestLedger_AllReturnsCopy(t *testing.T) {
	led, err := Open(filepath.Join(t.TempDir(), "payments.json"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer led.Close()

	if err := led.Append(testRecord("0xabc")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	led.All()[0].Transaction = "mutated"
	if led.All()[0].Transaction != "0xabc" {
		t.Error("All() must return a copy, not the internal slice")
	}
}

func TestLedger_MigratesLegacyArrayLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payments.json")

	legacy := []PaymentRecord{testRecord("0x1"), testRecord("0x2")}
	data, err := json.MarshalIndent(legacy, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	led, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	if diff := cmp.Diff(legacy, led.All()); diff != "" {
		t.Errorf("legacy records mismatch (-want +got):\n%s", diff)
	}

	// The file is rewritten line-oriented so appends stay append-only.
	migrated, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(strings.TrimSpace(string(migrated)), "[") {
		t.Error("expected legacy array layout to be migrated to one record per line")
	}

	if err := led.Append(testRecord("0x3")); err != nil {
		t.Fatalf("Append() after migration error: %v", err)
	}
	if err := led.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open() after migration error: %v", err)
	}
	defer reopened.Close()
	if reopened.Count() != 3 {
		t.Errorf("Count() after migration = %d, want 3", reopened.Count())
	}
}

func TestLedger_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payments.json")
	if err := os.WriteFile(path, []byte("[{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	led, err := Open(path)
	if err != nil {
		t.Fatalf("Open() must not fail on a corrupt store: %v", err)
	}
	defer led.Close()

	if led.Count() != 0 {
		t.Errorf("Count() = %d, want 0", led.Count())
	}
}

func TestLedger_SkipsInvalidRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payments.json")

	valid, err := json.Marshal(testRecord("0xabc"))
	if err != nil {
		t.Fatal(err)
	}
	content := string(valid) + "\n" + `{"foo": 1}` + "\n" + "garbage\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	led, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer led.Close()

	if led.Count() != 1 {
		t.Errorf("Count() = %d, want 1 (invalid rows skipped)", led.Count())
	}
}

func TestLedger_MissingFileStartsEmpty(t *testing.T) {
	led, err := Open(filepath.Join(t.TempDir(), "payments.json"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer led.Close()

	if led.Count() != 0 {
		t.Errorf("Count() = %d, want 0", led.Count())
	}
}
