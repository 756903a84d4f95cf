package store

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func TestLifecycle(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	c := s.CreatePending([]string{"llama3", "mistral"}, "workstation")
	if c.Status != StatusPending {
		t.Fatalf("status = %s, want pending", c.Status)
	}
	if c.APIKey != "" {
		t.Fatalf("pending connector has api key %q", c.APIKey)
	}

	// Pending connectors can't authenticate.
	if _, ok := s.Validate(""); ok {
		t.Error("empty key validated")
	}

	key := s.Approve(c.ConnectorID)
	if key == "" {
		t.Fatal("Approve returned empty key")
	}
	got, ok := s.Validate(key)
	if !ok {
		t.Fatal("approved key did not validate")
	}
	if got.ConnectorID != c.ConnectorID {
		t.Errorf("validated id = %s, want %s", got.ConnectorID, c.ConnectorID)
	}

	// Double approve is rejected.
	if k2 := s.Approve(c.ConnectorID); k2 != "" {
		t.Errorf("second Approve minted key %q", k2)
	}

	if !s.Revoke(c.ConnectorID, "test") {
		t.Fatal("Revoke failed")
	}
	if _, ok := s.Validate(key); ok {
		t.Error("revoked key still validates")
	}
	// Record survives revocation.
	rec, ok := s.Get(c.ConnectorID)
	if !ok {
		t.Fatal("record gone after revoke")
	}
	if rec.Status != StatusRevoked {
		t.Errorf("status = %s, want revoked", rec.Status)
	}

	if !s.Delete(c.ConnectorID) {
		t.Fatal("Delete failed")
	}
	if _, ok := s.Get(c.ConnectorID); ok {
		t.Error("record still present after delete")
	}
}

func TestKeyRevoked(t *testing.T) {
	s, _ := Open("")

	c := s.CreatePending([]string{"llama3"}, "box")
	key := s.Approve(c.ConnectorID)

	if s.KeyRevoked(key) {
		t.Error("approved key reported revoked")
	}
	if s.KeyRevoked("ck-00000000000000000000000000000000") {
		t.Error("unknown key reported revoked")
	}

	s.Revoke(c.ConnectorID, "test")
	// The key must stay resolvable after revocation, so an authenticating
	// connector can be told its key is dead rather than treated as new.
	if !s.KeyRevoked(key) {
		t.Error("revoked key not reported revoked")
	}
	if _, ok := s.Validate(key); ok {
		t.Error("revoked key still validates")
	}

	s.Delete(c.ConnectorID)
	if s.KeyRevoked(key) {
		t.Error("deleted record's key still reported revoked")
	}
}

func TestRevokedKeySurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connectors.yaml")

	s1, _ := Open(path)
	c := s1.CreatePending(nil, "box")
	key := s1.Approve(c.ConnectorID)
	s1.Revoke(c.ConnectorID, "compromised")

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !s2.KeyRevoked(key) {
		t.Error("revoked key forgotten on reload")
	}
}

func TestUnknownIDs(t *testing.T) {
	s, _ := Open("")
	if key := s.Approve("conn-missing"); key != "" {
		t.Errorf("Approve on unknown id returned %q", key)
	}
	if s.Revoke("conn-missing", "x") {
		t.Error("Revoke on unknown id succeeded")
	}
	if s.Delete("conn-missing") {
		t.Error("Delete on unknown id succeeded")
	}
	if s.UpdateModels("conn-missing", []string{"m"}) {
		t.Error("UpdateModels on unknown id succeeded")
	}
}

func TestPersistenceAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connectors.yaml")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a := s1.CreatePending([]string{"llama3"}, "a")
	keyA := s1.Approve(a.ConnectorID)
	b := s1.CreatePending([]string{"phi3"}, "b")
	c := s1.CreatePending([]string{"qwen"}, "c")
	keyC := s1.Approve(c.ConnectorID)
	s1.Revoke(c.ConnectorID, "compromised")

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := len(s2.List()); got != 3 {
		t.Fatalf("reloaded %d records, want 3", got)
	}
	if _, ok := s2.Validate(keyA); !ok {
		t.Error("approved key lost on reload")
	}
	if _, ok := s2.Validate(keyC); ok {
		t.Error("revoked key validates after reload")
	}
	rec, ok := s2.Get(b.ConnectorID)
	if !ok || rec.Status != StatusPending {
		t.Errorf("pending record = %+v ok=%v, want pending", rec, ok)
	}
	// Creation order survives the round trip.
	list := s2.List()
	if list[0].ConnectorID != a.ConnectorID || list[1].ConnectorID != b.ConnectorID {
		t.Errorf("order = %s,%s want %s,%s",
			list[0].ConnectorID, list[1].ConnectorID, a.ConnectorID, b.ConnectorID)
	}
}

func TestOpenMissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "nope", "connectors.yaml"))
	if err != nil {
		t.Fatalf("Open on absent file: %v", err)
	}
	if len(s.List()) != 0 {
		t.Error("absent file yielded records")
	}
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connectors.yaml")
	if err := os.WriteFile(path, []byte("{not yaml: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Error("Open on corrupt file succeeded")
	}
}

func TestListByStatus(t *testing.T) {
	s, _ := Open("")
	a := s.CreatePending(nil, "a")
	s.CreatePending(nil, "b")
	s.Approve(a.ConnectorID)

	if got := len(s.ListByStatus(StatusPending)); got != 1 {
		t.Errorf("pending count = %d, want 1", got)
	}
	if got := len(s.ListByStatus(StatusApproved)); got != 1 {
		t.Errorf("approved count = %d, want 1", got)
	}
	if got := len(s.ListByStatus(StatusRevoked)); got != 0 {
		t.Errorf("revoked count = %d, want 0", got)
	}
}

func TestKeyFormats(t *testing.T) {
	ck := regexp.MustCompile(`^ck-[0-9a-f]{32}$`)
	sk := regexp.MustCompile(`^sk-[0-9a-f]{32}$`)
	conn := regexp.MustCompile(`^conn-[0-9a-f]{8}$`)

	if k := NewAPIKey(); !ck.MatchString(k) {
		t.Errorf("api key %q has wrong format", k)
	}
	if k := NewUserKey(); !sk.MatchString(k) {
		t.Errorf("user key %q has wrong format", k)
	}
	if id := NewConnectorID(); !conn.MatchString(id) {
		t.Errorf("connector id %q has wrong format", id)
	}

	// 128-bit keys must never collide in any feasible draw count.
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		k := NewAPIKey()
		if seen[k] {
			t.Fatalf("duplicate api key after %d draws", i)
		}
		seen[k] = true
	}
}
