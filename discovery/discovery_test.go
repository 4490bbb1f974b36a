package discovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSpanLabelExtractor(t *testing.T) {
	// WHAT: Row markup with label spans yields the two key halves; rows
	// without a data-element span are rejected.
	// WHY: Anonymous layout inputs must never enter the mapping table.
	cases := []struct {
		name   string
		html   string
		wantDE string
		wantOC string
		wantOK bool
	}{
		{
			name: "both spans",
			html: `<tr><td><span id="de1-dataelement">OPD attendance</span>` +
				`<span id="de1-oc1-optioncombo">Under 5 Male</span>` +
				`<input id="de1-oc1-val" class="entryfield"></td></tr>`,
			wantDE: "OPD attendance",
			wantOC: "Under 5 Male",
			wantOK: true,
		},
		{
			name: "data element only",
			html: `<td><span id="x-dataelement">Referrals out</span>` +
				`<input id="x-val"></td>`,
			wantDE: "Referrals out",
			wantOK: true,
		},
		{
			name:   "no label spans",
			html:   `<tr><td><input id="search" type="text"></td></tr>`,
			wantOK: false,
		},
		{
			name: "whitespace trimmed",
			html: `<td><span id="a-dataelement">  Malaria cases </span>` +
				`<span id="a-b-optioncombo"> 5-14 Female
				</span><input></td>`,
			wantDE: "Malaria cases",
			wantOC: "5-14 Female",
			wantOK: true,
		},
	}

	var ex SpanLabelExtractor
	for _, tc := range cases {
		de, oc, ok := ex.Extract(tc.html)
		if ok != tc.wantOK {
			t.Errorf("%s: ok = %v, want %v", tc.name, ok, tc.wantOK)
			continue
		}
		if de != tc.wantDE || oc != tc.wantOC {
			t.Errorf("%s: got (%q, %q), want (%q, %q)", tc.name, de, oc, tc.wantDE, tc.wantOC)
		}
	}
}

func TestKey(t *testing.T) {
	// WHAT: Keys join with the separator; a missing combo keys on the
	// data element alone.
	// WHY: Key shape is the contract between discovery, mapping and filling.
	if got := Key("OPD attendance", "Under 5 Male"); got != "OPD attendance||Under 5 Male" {
		t.Errorf("Key = %q", got)
	}
	if got := Key("Referrals out", ""); got != "Referrals out" {
		t.Errorf("Key = %q", got)
	}
}

func entryRow(de, oc, inputID string) string {
	return `<tr><td><span id="` + inputID + `-dataelement">` + de + `</span>` +
		`<span id="` + inputID + `-optioncombo">` + oc + `</span>` +
		`<input id="` + inputID + `" class="entryfield"></td></tr>`
}

func TestMapControls_TabAttribution(t *testing.T) {
	// WHAT: Controls enumerated on different tabs keep their own tab in the
	// mapping, and a key seen on an earlier tab is not reassigned.
	// WHY: The filler groups assignments by tab; a field attributed to the
	// wrong tab is never visible when its group is filled.
	d := New(nil, Config{})
	mappings := map[string]FieldMapping{}

	d.mapControls("Page1", []control{
		{id: "de1-co1-val", row: entryRow("OPD attendance", "Under 5 Male", "de1-co1-val")},
	}, mappings)
	d.mapControls("Page2", []control{
		{id: "de2-co1-val", row: entryRow("Admissions", "Under 5 Male", "de2-co1-val")},
		{id: "de9-co9-val", row: entryRow("OPD attendance", "Under 5 Male", "de9-co9-val")},
	}, mappings)

	if len(mappings) != 2 {
		t.Fatalf("mappings = %v", mappings)
	}
	opd := mappings["OPD attendance||Under 5 Male"]
	if opd.Tab != "Page1" || opd.Selector != "#de1-co1-val" {
		t.Errorf("first tab's field reassigned: %+v", opd)
	}
	adm := mappings["Admissions||Under 5 Male"]
	if adm.Tab != "Page2" || adm.Selector != "#de2-co1-val" {
		t.Errorf("second tab's field misattributed: %+v", adm)
	}
}

func TestFingerprintMatches(t *testing.T) {
	// WHAT: Fingerprint comparison accepts small per-tab drift and rejects
	// structural changes.
	// WHY: Section tweaks must not invalidate the cache; redesigns must.
	cases := []struct {
		name    string
		old     []int
		current []int
		want    bool
	}{
		{"identical", []int{40, 35, 20}, []int{40, 35, 20}, true},
		{"small drift accepted", []int{40, 35, 20}, []int{42, 35, 20}, true},
		{"tab removed rejected", []int{40, 35, 20}, []int{40, 35}, false},
		{"tab added rejected", []int{40, 35}, []int{40, 35, 20}, false},
		{"per-tab drift beyond 15% rejected", []int{40, 35, 20}, []int{48, 35, 20}, false},
		{"small tabs get 5-field floor", []int{10, 10}, []int{14, 10}, true},
		{"total drift beyond 10% rejected", []int{50, 50, 50}, []int{55, 55, 55}, false},
	}

	for _, tc := range cases {
		old := NewFingerprint(tc.old)
		current := NewFingerprint(tc.current)
		got, reason := old.Matches(current)
		if got != tc.want {
			t.Errorf("%s: Matches = %v (reason %q), want %v", tc.name, got, reason, tc.want)
		}
	}
}

func TestFingerprintHashStable(t *testing.T) {
	// WHAT: Same counts hash identically; different counts do not.
	// WHY: The hash is the at-a-glance identity logged for each run.
	a := NewFingerprint([]int{40, 35, 20})
	b := NewFingerprint([]int{40, 35, 20})
	c := NewFingerprint([]int{40, 35, 21})
	if a.FormHash != b.FormHash {
		t.Error("identical counts produced different hashes")
	}
	if a.FormHash == c.FormHash {
		t.Error("different counts produced identical hashes")
	}
	if a.TotalFieldEstimate != 95 || a.TabsFound != 3 {
		t.Errorf("unexpected fingerprint: %+v", a)
	}
}

func testDiscoverer(t *testing.T, cacheFile string) *Discoverer {
	t.Helper()
	return New(nil, Config{CacheFile: cacheFile})
}

func sameFingerprint(fp Fingerprint) FingerprintFunc {
	return func(context.Context) (Fingerprint, error) { return fp, nil }
}

func TestCacheRoundTrip(t *testing.T) {
	// WHAT: Saved mappings load back when the fingerprint still matches.
	// WHY: The cache is the normal path; discovery is the exception.
	file := filepath.Join(t.TempDir(), "fields.json")
	d := testDiscoverer(t, file)

	mappings := map[string]FieldMapping{
		"OPD attendance||Under 5 Male": {Selector: "#de1-oc1-val", Tab: "Page1"},
		"Home delivery||Yes":           {Selector: `input[name="hd"][value="true"]`, Tab: "Page2", Kind: KindRadio},
	}
	fp := NewFingerprint([]int{40, 35})
	if err := d.saveCache(mappings, 2, fp); err != nil {
		t.Fatalf("saveCache: %v", err)
	}

	got, ok := testDiscoverer(t, file).LoadCache(context.Background(), sameFingerprint(fp))
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got["OPD attendance||Under 5 Male"].Selector != "#de1-oc1-val" {
		t.Errorf("unexpected mapping: %+v", got)
	}
	if got["Home delivery||Yes"].Kind != KindRadio {
		t.Error("radio kind lost in round trip")
	}
}

func TestLoadCache_FingerprintDrift(t *testing.T) {
	// WHAT: A structural change on the live form invalidates the cache.
	// WHY: Cached selectors point at fields that moved or vanished.
	file := filepath.Join(t.TempDir(), "fields.json")
	d := testDiscoverer(t, file)

	if err := d.saveCache(map[string]FieldMapping{"k": {Selector: "#k"}}, 3, NewFingerprint([]int{40, 35, 20})); err != nil {
		t.Fatal(err)
	}

	drifted := sameFingerprint(NewFingerprint([]int{40, 35}))
	if _, ok := testDiscoverer(t, file).LoadCache(context.Background(), drifted); ok {
		t.Error("expected cache miss on fingerprint drift")
	}
}

func TestLoadCache_RecomputeFailureTrustsCache(t *testing.T) {
	// WHAT: When the fingerprint pass itself errors the stale cache wins.
	// WHY: A flaky page must not trigger a full rediscovery that would hit
	// the same flakiness for minutes instead of seconds.
	file := filepath.Join(t.TempDir(), "fields.json")
	d := testDiscoverer(t, file)

	if err := d.saveCache(map[string]FieldMapping{"k": {Selector: "#k"}}, 1, NewFingerprint([]int{10})); err != nil {
		t.Fatal(err)
	}

	failing := func(context.Context) (Fingerprint, error) {
		return Fingerprint{}, errors.New("tab anchor gone")
	}
	got, ok := testDiscoverer(t, file).LoadCache(context.Background(), failing)
	if !ok {
		t.Fatal("expected cache to be trusted when recompute fails")
	}
	if got["k"].Selector != "#k" {
		t.Errorf("unexpected mappings: %+v", got)
	}
}

func TestLoadCache_Expired(t *testing.T) {
	// WHAT: A cache past its window misses even with a matching fingerprint.
	// WHY: Counts can stay stable while labels change underneath.
	file := filepath.Join(t.TempDir(), "fields.json")

	d := New(nil, Config{CacheFile: file, CacheWindow: time.Hour})
	if err := d.saveCache(map[string]FieldMapping{"k": {Selector: "#k"}}, 1, NewFingerprint([]int{10})); err != nil {
		t.Fatal(err)
	}

	// Backdate the file content by rewriting its timestamp.
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour).Format(time.RFC3339Nano)
	data = []byte(replaceTimestamp(string(data), old))
	if err := os.WriteFile(file, data, 0o644); err != nil {
		t.Fatal(err)
	}

	stale := New(nil, Config{CacheFile: file, CacheWindow: time.Hour})
	if _, ok := stale.LoadCache(context.Background(), sameFingerprint(NewFingerprint([]int{10}))); ok {
		t.Error("expected cache miss past the window")
	}
}

// replaceTimestamp swaps the timestamp field in a marshalled cache for ts.
func replaceTimestamp(data, ts string) string {
	const marker = `"timestamp": "`
	i := strings.Index(data, marker)
	if i < 0 {
		return data
	}
	start := i + len(marker)
	end := start + strings.Index(data[start:], `"`)
	return data[:start] + ts + data[end:]
}
