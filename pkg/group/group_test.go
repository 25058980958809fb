package group_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/elonfeng/langsync/internal/logging"
	"github.com/elonfeng/langsync/internal/store"
	"github.com/elonfeng/langsync/internal/testsupport"
	"github.com/elonfeng/langsync/pkg/group"
)

type fakeSink struct {
	created  []string
	members  map[string][]string
	failName string
}

func (f *fakeSink) Find(_ context.Context, name string) (string, bool, error) {
	if name == f.failName {
		return "", false, errors.New("sink unavailable")
	}
	handle := "pl-" + name
	_, ok := f.members[handle]
	return handle, ok, nil
}

func (f *fakeSink) FindOrCreate(_ context.Context, name, _ string) (string, error) {
	if name == f.failName {
		return "", errors.New("sink unavailable")
	}
	f.created = append(f.created, name)
	return "pl-" + name, nil
}

func (f *fakeSink) ReplaceMembership(_ context.Context, handle string, uris []string) error {
	if f.members == nil {
		f.members = map[string][]string{}
	}
	f.members[handle] = append([]string(nil), uris...)
	return nil
}

func seedLibrary(t *testing.T) store.Store {
	t.Helper()
	s := testsupport.MustOpenStore(t)
	testsupport.SeedClassified(t, s, "a", "2024-01-01T00:00:00", map[string]float64{"hin_Deva": 0.9})
	testsupport.SeedClassified(t, s, "b", "2024-01-02T00:00:00", map[string]float64{"tam_Tamil": 0.85})
	testsupport.SeedClassified(t, s, "c", "2024-01-03T00:00:00", map[string]float64{"hin_Latn": 0.6})
	testsupport.SeedClassified(t, s, "d", "2024-01-04T00:00:00", map[string]float64{"hin_Latn": 0.95, "tam_Latn": 0.3})
	return s
}

func TestMaterializeReplacesQualifyingMembers(t *testing.T) {
	s := seedLibrary(t)
	sink := &fakeSink{}
	m := group.NewMaterializer(s, sink, "Liked Songs by Language", 0.8, nil, logging.Discard())

	results, err := m.Materialize(context.Background(), group.DefaultGroups()[:3])
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	wantCreated := []string{"Liked Songs by Language - Hindi", "Liked Songs by Language - Tamil"}
	if !reflect.DeepEqual(sink.created, wantCreated) {
		t.Fatalf("created = %v, want %v", sink.created, wantCreated)
	}
	wantHindi := []string{"spotify:track:a", "spotify:track:d"}
	if got := sink.members["pl-Liked Songs by Language - Hindi"]; !reflect.DeepEqual(got, wantHindi) {
		t.Fatalf("hindi members = %v, want %v", got, wantHindi)
	}
	if got := sink.members["pl-Liked Songs by Language - Tamil"]; !reflect.DeepEqual(got, []string{"spotify:track:b"}) {
		t.Fatalf("tamil members = %v", got)
	}

	if len(results) != 3 {
		t.Fatalf("results = %+v", results)
	}
	if !results[2].Skipped || results[2].Group != "Telugu" {
		t.Fatalf("telugu result = %+v, want skipped", results[2])
	}
	if results[0].Items != 2 {
		t.Fatalf("hindi items = %d, want 2", results[0].Items)
	}
}

func TestMaterializeIsIdempotent(t *testing.T) {
	s := seedLibrary(t)
	sink := &fakeSink{}
	m := group.NewMaterializer(s, sink, "L", 0.8, nil, logging.Discard())
	groups := group.DefaultGroups()[:2]

	if _, err := m.Materialize(context.Background(), groups); err != nil {
		t.Fatalf("first Materialize: %v", err)
	}
	first := map[string][]string{}
	for k, v := range sink.members {
		first[k] = v
	}
	if _, err := m.Materialize(context.Background(), groups); err != nil {
		t.Fatalf("second Materialize: %v", err)
	}
	if !reflect.DeepEqual(sink.members, first) {
		t.Fatalf("membership changed across runs:\n%v\n%v", first, sink.members)
	}
}

func TestMaterializeOverwritesOutsideChanges(t *testing.T) {
	s := seedLibrary(t)
	sink := &fakeSink{members: map[string][]string{
		"pl-L - Hindi":  {"spotify:track:stray", "spotify:track:a"},
		"pl-L - Telugu": {"spotify:track:old"},
	}}
	m := group.NewMaterializer(s, sink, "L", 0.8, nil, logging.Discard())

	results, err := m.Materialize(context.Background(), []group.Group{group.DefaultGroups()[0], group.DefaultGroups()[2]})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if got := sink.members["pl-L - Hindi"]; !reflect.DeepEqual(got, []string{"spotify:track:a", "spotify:track:d"}) {
		t.Fatalf("hindi members = %v", got)
	}
	if got := sink.members["pl-L - Telugu"]; len(got) != 0 {
		t.Fatalf("telugu members = %v, want cleared", got)
	}
	if results[1].Skipped || results[1].Items != 0 {
		t.Fatalf("telugu result = %+v", results[1])
	}
}

func TestMaterializeClearsGroupThatLostItsMembers(t *testing.T) {
	s := testsupport.MustOpenStore(t)
	testsupport.SeedClassified(t, s, "a", "2024-01-01T00:00:00", map[string]float64{"hin_Deva": 0.9})
	sink := &fakeSink{}
	m := group.NewMaterializer(s, sink, "P", 0.8, nil, logging.Discard())
	hindi := group.DefaultGroups()[:1]
	ctx := context.Background()

	if _, err := m.Materialize(ctx, hindi); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if err := s.Upsert(ctx, store.ItemUpdate{ID: "a", Text: testsupport.Str("rewritten lyrics")}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := m.Materialize(ctx, hindi); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	planned, err := m.Plan(ctx, hindi[0])
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got := sink.members["pl-P - Hindi"]; len(got) != 0 || len(planned) != 0 {
		t.Fatalf("members = %v, planned = %v, want both empty", got, planned)
	}
	if len(sink.created) != 1 {
		t.Fatalf("created = %v, want the first run only", sink.created)
	}
}

func TestMaterializeContinuesPastFailingGroup(t *testing.T) {
	s := seedLibrary(t)
	sink := &fakeSink{failName: "Hindi"}
	m := group.NewMaterializer(s, sink, "", 0.8, nil, logging.Discard())

	results, err := m.Materialize(context.Background(), group.DefaultGroups()[:2])
	if err == nil || !strings.Contains(err.Error(), "sink unavailable") {
		t.Fatalf("err = %v, want joined sink failure", err)
	}
	if len(results) != 1 || results[0].Group != "Tamil" {
		t.Fatalf("results = %+v", results)
	}
}

func TestSpotifyTrackURIIgnoresOtherSources(t *testing.T) {
	if got := group.SpotifyTrackURI(store.Item{ID: "x", Source: "spotify"}); got != "spotify:track:x" {
		t.Fatalf("uri = %q", got)
	}
	if got := group.SpotifyTrackURI(store.Item{ID: "yt:video:1", Source: "feed"}); got != "" {
		t.Fatalf("feed item uri = %q, want empty", got)
	}
}

func TestTargetLabelsAndValidate(t *testing.T) {
	groups := []group.Group{
		{Name: "A", Labels: []string{"x", "y"}},
		{Name: "B", Labels: []string{"y", "z"}},
	}
	if got := group.TargetLabels(groups); !reflect.DeepEqual(got, []string{"x", "y", "z"}) {
		t.Fatalf("TargetLabels = %v", got)
	}
	if err := group.Validate(groups); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := [][]group.Group{
		{{Name: "", Labels: []string{"x"}}},
		{{Name: "A", Labels: []string{"x"}}, {Name: "A", Labels: []string{"y"}}},
		{{Name: "A"}},
	}
	for i, g := range bad {
		if err := group.Validate(g); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
