package detect

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dgnsrekt/domo_companion/internal/inpage"
	"github.com/dgnsrekt/domo_companion/internal/objecttype"
)

type countingFetcher struct {
	responses map[string]string
	calls     map[string]int
}

func newCountingFetcher(responses map[string]string) *countingFetcher {
	return &countingFetcher{responses: responses, calls: map[string]int{}}
}

func (f *countingFetcher) Fetch(_ context.Context, req inpage.Request) (inpage.Response, error) {
	key := req.Method + " " + req.Path
	f.calls[key]++
	body, ok := f.responses[key]
	if !ok {
		return inpage.Response{Status: 404}, &inpage.CodedError{Code: inpage.CodeHTTPStatus, Message: key, Status: 404}
	}
	return inpage.Response{Status: 200, Body: json.RawMessage(body)}, nil
}

func (f *countingFetcher) total() int {
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func newTestDetector() *Detector {
	return New(objecttype.Default(), DefaultHostSuffix, DefaultExcludedHosts)
}

func readFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture %s: %v", name, err)
	}
	return string(data)
}

func TestFromURLCard(t *testing.T) {
	v := newTestDetector().FromURL("https://acme.domo.com/kpis/details/948271", nil)
	if v == nil {
		t.Fatal("FromURL() = nil")
	}
	if v.TypeID() != "CARD" || v.ID() != "948271" || v.BaseURL() != "https://acme.domo.com" {
		t.Fatalf("FromURL() = %s", v)
	}
	if want := "https://acme.domo.com/kpis/details/948271"; v.URL() != want {
		t.Fatalf("URL() = %q; want %q", v.URL(), want)
	}
}

func TestFromURLAppStudioPageThenParent(t *testing.T) {
	const src = "https://acme.domo.com/app-studio/12345/pages/678"
	v := newTestDetector().FromURL(src, nil)
	if v == nil {
		t.Fatal("FromURL() = nil")
	}
	if v.TypeID() != "DATA_APP_VIEW" || v.ID() != "678" || v.ParentID() != "12345" || v.URL() != src {
		t.Fatalf("FromURL() = %s parent=%q url=%q", v, v.ParentID(), v.URL())
	}

	f := newCountingFetcher(map[string]string{
		"GET /content/v1/dataapps/12345": `{"title":"Sales App"}`,
	})
	withParent, err := v.ResolveParent(context.Background(), f)
	if err != nil {
		t.Fatalf("ResolveParent() error = %v", err)
	}
	parent := withParent.Metadata().Parent
	if parent == nil {
		t.Fatal("metadata.parent = nil")
	}
	if parent.ID != "12345" || parent.Type.ID != "DATA_APP" || parent.Type.DisplayName != "App" || parent.Name != "Sales App" {
		t.Fatalf("metadata.parent = %+v", parent)
	}
}

func TestFromURLCascade(t *testing.T) {
	d := newTestDetector()
	tests := []struct {
		url      string
		wantType string
		wantID   string
	}{
		{"https://acme.domo.com/page/-100000", "PAGE", "-100000"},
		{"https://acme.domo.com/page/12/kpis/details/34", "CARD", "34"},
		{"https://acme.domo.com/kpis/details/34?drillViewId=56", "DRILL_VIEW", "56"},
		{"https://acme.domo.com/app-studio/12345", "DATA_APP", "12345"},
		{"https://acme.domo.com/datasources/0b2f3c4d-1234-4abc-9def-0123456789ab/details/schema", "DATA_SOURCE", "0b2f3c4d-1234-4abc-9def-0123456789ab"},
		{"https://acme.domo.com/datacenter/dataflows/88/details", "DATAFLOW_TYPE", "88"},
		{"https://acme.domo.com/datacenter/dataflows/88/details/history?executionId=9", "DATAFLOW_EXECUTION", "9"},
		{"https://acme.domo.com/workflows/models/0b2f3c4d-1234-4abc-9def-0123456789ab", "WORKFLOW_MODEL", "0b2f3c4d-1234-4abc-9def-0123456789ab"},
		{"https://acme.domo.com/workflows/models/0b2f3c4d-1234-4abc-9def-0123456789ab/1.2.0", "WORKFLOW_MODEL_VERSION", "1.2.0"},
		{"https://acme.domo.com/admin/people/27", "USER", "27"},
		{"https://acme.domo.com/worksheet/4/views/5", "WORKSHEET_VIEW", "5"},
		{"https://acme.domo.com/project/7/task/8", "PROJECT_TASK", "8"},
		{"https://acme.domo.com/assetlibrary/0b2f3c4d-1234-4abc-9def-0123456789ab/versions/1.0.0", "APP_VERSION", "1.0.0"},
		{"https://acme.domo.com/datacenter/views/0b2f3c4d-1234-4abc-9def-0123456789ab", "DATA_SOURCE_VIEW", "0b2f3c4d-1234-4abc-9def-0123456789ab"},
		{"https://acme.domo.com/embed/data-app/private/Ab3dE", "EMBED_DATA_APP", "Ab3dE"},
	}
	for _, tc := range tests {
		t.Run(tc.wantType, func(t *testing.T) {
			v := d.FromURL(tc.url, nil)
			if v == nil {
				t.Fatalf("FromURL(%q) = nil", tc.url)
			}
			if v.TypeID() != tc.wantType || v.ID() != tc.wantID {
				t.Fatalf("FromURL(%q) = %s; want %s:%s", tc.url, v, tc.wantType, tc.wantID)
			}
			if v.SourceURL() != tc.url {
				t.Fatalf("SourceURL() = %q; want %q", v.SourceURL(), tc.url)
			}
		})
	}
}

func TestFromURLUnrecognized(t *testing.T) {
	d := newTestDetector()
	for _, u := range []string{
		"https://www.domo.com/kpis/details/1",
		"https://example.com/kpis/details/1",
		"https://acme.domo.com/home",
		"not a url",
		"",
	} {
		if v := d.FromURL(u, nil); v != nil {
			t.Fatalf("FromURL(%q) = %s; want nil", u, v)
		}
	}
}

func TestParsePageStateFixtures(t *testing.T) {
	st := ParsePageState(inpage.PageFragments{
		Modal:      readFixture(t, "card_modal.html"),
		Breadcrumb: readFixture(t, "drill_breadcrumb.html"),
	})
	want := PageState{ModalCardID: "948271", DrillPath: []string{"948271", "1204", "1311"}}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Fatalf("ParsePageState() mismatch (-want +got):\n%s", diff)
	}

	empty := ParsePageState(inpage.PageFragments{})
	if empty.ModalCardID != "" || empty.DrillPath != nil {
		t.Fatalf("ParsePageState(empty) = %+v", empty)
	}
}

func TestFromURLWithDOMProbes(t *testing.T) {
	d := newTestDetector()

	modal := ParsePageState(inpage.PageFragments{Modal: readFixture(t, "card_modal.html")})
	v := d.FromURL("https://acme.domo.com/page/-100000", &modal)
	if v == nil || v.TypeID() != "CARD" || v.ID() != "948271" {
		t.Fatalf("FromURL() with modal = %v; want CARD:948271", v)
	}

	drill := ParsePageState(inpage.PageFragments{Breadcrumb: readFixture(t, "drill_breadcrumb.html")})
	v = d.FromURL("https://acme.domo.com/kpis/details/948271", &drill)
	if v == nil || v.TypeID() != "DRILL_VIEW" || v.ID() != "1311" || v.ParentID() != "948271" {
		t.Fatalf("FromURL() with drill path = %v; want DRILL_VIEW:1311 parent 948271", v)
	}
	if want := "https://acme.domo.com/kpis/details/948271?drillViewId=1311"; v.URL() != want {
		t.Fatalf("URL() = %q; want %q", v.URL(), want)
	}

	// Breadcrumb off a card page falls through to URL rules.
	v = d.FromURL("https://acme.domo.com/page/5", &drill)
	if v == nil || v.TypeID() != "PAGE" {
		t.Fatalf("FromURL() = %v; want PAGE", v)
	}
}

func TestFromIDProbesByPriority(t *testing.T) {
	d := newTestDetector()
	f := newCountingFetcher(map[string]string{
		"PUT /content/v3/cards/kpi/definition": `{"definition":{"title":"Revenue"}}`,
	})

	v, err := d.FromID(context.Background(), f, "948271", "https://acme.domo.com")
	if err != nil {
		t.Fatalf("FromID() error = %v", err)
	}
	if v.TypeID() != "CARD" || v.Name() != "Revenue" {
		t.Fatalf("FromID() = %s name=%q", v, v.Name())
	}
	if n := f.calls["GET /content/v1/pages/948271"]; n != 0 {
		t.Fatalf("PAGE fetch calls = %d; want 0", n)
	}
	if f.total() != 1 {
		t.Fatalf("total fetches = %d; want 1", f.total())
	}
}

func TestFromIDFallsThroughFailures(t *testing.T) {
	d := newTestDetector()
	const id = "0b2f3c4d-1234-4abc-9def-0123456789ab"
	f := newCountingFetcher(map[string]string{
		"GET /data/v3/datasources/" + id + "?includeAllDetails=true": `{"name":"Old","deleted":true}`,
		"GET /workflows/v1/models/" + id:                             `{"name":"Onboarding"}`,
	})

	v, err := d.FromID(context.Background(), f, id, "https://acme.domo.com")
	if err != nil {
		t.Fatalf("FromID() error = %v", err)
	}
	if v.TypeID() != "WORKFLOW_MODEL" || v.Name() != "Onboarding" {
		t.Fatalf("FromID() = %s name=%q", v, v.Name())
	}
}

func TestFromIDErrors(t *testing.T) {
	d := newTestDetector()

	if _, err := d.FromID(context.Background(), newCountingFetcher(nil), "hello world", "https://acme.domo.com"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("FromID(text) error = %v; want ErrInvalidID", err)
	}

	_, err := d.FromID(context.Background(), newCountingFetcher(nil), "42", "https://acme.domo.com")
	if !errors.Is(err, ErrUndetectableType) {
		t.Fatalf("FromID() error = %v; want ErrUndetectableType", err)
	}
	var undetectable *UndetectableTypeError
	if !errors.As(err, &undetectable) || undetectable.ID != "42" {
		t.Fatalf("FromID() error = %#v; want UndetectableTypeError{42}", err)
	}
}

func TestCandidatesOrder(t *testing.T) {
	cands := newTestDetector().Candidates("12")
	if len(cands) < 6 {
		t.Fatalf("len(Candidates()) = %d", len(cands))
	}
	var got []string
	for _, c := range cands[:6] {
		got = append(got, c.ID)
	}
	want := []string{"CARD", "DATAFLOW_TYPE", "DATA_APP", "DATA_APP_VIEW", "PAGE", "USER"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Candidates() order mismatch (-want +got):\n%s", diff)
	}
	for _, c := range cands {
		if c.IDPattern == ".*" || c.API == nil {
			t.Fatalf("Candidates() included %s", c.ID)
		}
	}
}

func TestEnrichIsIdempotent(t *testing.T) {
	d := newTestDetector()
	f := newCountingFetcher(map[string]string{
		"PUT /content/v3/cards/kpi/definition": `{"definition":{"title":"Revenue"}}`,
	})
	v := d.FromURL("https://acme.domo.com/kpis/details/948271", nil)

	once, err := Enrich(context.Background(), f, v)
	if err != nil {
		t.Fatalf("Enrich() error = %v", err)
	}
	twice, err := Enrich(context.Background(), f, once)
	if err != nil {
		t.Fatalf("Enrich() second call error = %v", err)
	}
	if twice.Name() != "Revenue" || f.total() != 1 {
		t.Fatalf("Enrich() name=%q fetches=%d; want Revenue/1", twice.Name(), f.total())
	}

	failing := d.FromURL("https://acme.domo.com/page/9", nil)
	got, err := Enrich(context.Background(), newCountingFetcher(nil), failing)
	if err == nil {
		t.Fatal("Enrich() error = nil; want fetch error")
	}
	if got != failing || got.HasDetails() {
		t.Fatal("Enrich() should return the original value on failure")
	}
}

func TestTenantAndHelpers(t *testing.T) {
	d := newTestDetector()
	tenant, base, ok := d.Tenant("https://acme-prod.domo.com/page/1?x=1")
	if !ok || tenant != "acme-prod" || base != "https://acme-prod.domo.com" {
		t.Fatalf("Tenant() = %q %q %v", tenant, base, ok)
	}
	if _, _, ok := d.Tenant("https://www.domo.com/"); ok {
		t.Fatal("Tenant(www) ok = true; want false")
	}

	for _, s := range []string{"123", "-100000", "0B2F3C4D-1234-4ABC-9DEF-0123456789AB"} {
		if !LooksLikeID(s) {
			t.Fatalf("LooksLikeID(%q) = false", s)
		}
	}
	for _, s := range []string{"", "12a", "hello", "1.0.0"} {
		if LooksLikeID(s) {
			t.Fatalf("LooksLikeID(%q) = true", s)
		}
	}

	if !IsAuthPath("/auth/index") || !IsAuthPath("/login") || IsAuthPath("/page/1") {
		t.Fatal("IsAuthPath() mismatch")
	}
}
