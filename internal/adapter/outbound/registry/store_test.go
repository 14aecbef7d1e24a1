package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kaylacar/agent-door/internal/domain/site"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRegistration(slug string, created time.Time) site.Registration {
	return site.Registration{
		Slug:       slug,
		SiteName:   "Sample " + slug,
		SiteURL:    "https://" + slug + ".example.com",
		APIURL:     "https://api." + slug + ".example.com",
		OpenAPIURL: "https://api." + slug + ".example.com/openapi.json",
		RateLimit:  60,
		CreatedAt:  created,
	}
}

func TestRegisterAndGet(t *testing.T) {
	s := openTestStore(t)

	want := sampleRegistration("shop", time.Now().UTC().Truncate(time.Second))
	want.Description = "a small shop"
	if err := s.Register(want, []byte(`{"openapi":"3.0.0"}`)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := s.Get("shop")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SiteName != want.SiteName || got.APIURL != want.APIURL ||
		got.Description != want.Description || got.RateLimit != want.RateLimit {
		t.Errorf("Get = %+v, want %+v", got, want)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}

	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get unknown = %v, want ErrNotFound", err)
	}
}

func TestListOrder(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i, slug := range []string{"charlie", "alpha", "bravo"} {
		reg := sampleRegistration(slug, base.Add(time.Duration(i)*time.Second))
		if err := s.Register(reg, []byte(`{}`)); err != nil {
			t.Fatalf("Register %s: %v", slug, err)
		}
	}

	regs, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var slugs []string
	for _, r := range regs {
		slugs = append(slugs, r.Slug)
	}
	// Registration order, not alphabetical.
	want := []string{"charlie", "alpha", "bravo"}
	for i := range want {
		if slugs[i] != want[i] {
			t.Fatalf("List order = %v, want %v", slugs, want)
		}
	}
}

func TestListWithSpecsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	spec := []byte(`{"openapi":"3.0.0","paths":{"/items":{}}}`)
	if err := s.Register(sampleRegistration("shop", time.Now().UTC()), spec); err != nil {
		t.Fatalf("Register: %v", err)
	}

	sites, err := s.ListWithSpecs()
	if err != nil {
		t.Fatalf("ListWithSpecs: %v", err)
	}
	if len(sites) != 1 {
		t.Fatalf("len = %d, want 1", len(sites))
	}
	if string(sites[0].SpecJSON) != string(spec) {
		t.Errorf("SpecJSON = %s", sites[0].SpecJSON)
	}
	if sites[0].Registration.Slug != "shop" {
		t.Errorf("Slug = %q", sites[0].Registration.Slug)
	}
}

func TestDeleteAndReRegister(t *testing.T) {
	s := openTestStore(t)

	if err := s.Register(sampleRegistration("shop", time.Now().UTC()), []byte(`{}`)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	existed, err := s.Delete("shop")
	if err != nil || !existed {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", existed, err)
	}
	existed, err = s.Delete("shop")
	if err != nil || existed {
		t.Fatalf("second Delete = (%v, %v), want (false, nil)", existed, err)
	}

	// The slug is free again.
	if err := s.Register(sampleRegistration("shop", time.Now().UTC()), []byte(`{}`)); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if n, _ := s.Count(); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestRegisterReplacesExisting(t *testing.T) {
	s := openTestStore(t)

	reg := sampleRegistration("shop", time.Now().UTC())
	if err := s.Register(reg, []byte(`{}`)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	reg.SiteName = "Renamed Shop"
	reg.RateLimit = 120
	if err := s.Register(reg, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("Register replace: %v", err)
	}

	got, err := s.Get("shop")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SiteName != "Renamed Shop" || got.RateLimit != 120 {
		t.Errorf("replacement not applied: %+v", got)
	}
	if n, _ := s.Count(); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestOpenRecoversCorruptDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registrations.db")
	if err := os.WriteFile(path, []byte("this is not a sqlite database"), 0o600); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open over corrupt file: %v", err)
	}
	defer func() { _ = s.Close() }()

	// Fresh, usable store.
	if n, err := s.Count(); err != nil || n != 0 {
		t.Fatalf("Count = (%d, %v), want (0, nil)", n, err)
	}
	if err := s.Register(sampleRegistration("shop", time.Now().UTC()), []byte(`{}`)); err != nil {
		t.Fatalf("Register after recovery: %v", err)
	}

	// The broken file was kept for inspection.
	matches, _ := filepath.Glob(path + ".corrupt.*")
	if len(matches) == 0 {
		t.Error("corrupt file was not quarantined")
	}
}

func TestRestartRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Register(sampleRegistration("shop", time.Now().UTC()), []byte(`{"openapi":"3.0.0"}`)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()
	sites, err := s2.ListWithSpecs()
	if err != nil || len(sites) != 1 {
		t.Fatalf("ListWithSpecs after reopen = (%d, %v)", len(sites), err)
	}
}
