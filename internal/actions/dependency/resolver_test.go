package dependency

import (
	"errors"
	"testing"
	"time"

	"github.com/yungbote/supplements-backend/internal/domain/supplements"
)

func acceptedInstance(id string, data supplements.Payload, at time.Time) *supplements.ActionInstance {
	return &supplements.ActionInstance{
		CreatedAt:  at,
		ModifiedAt: at,
		Versions:   []*supplements.Version{{ID: id, Data: data, CreatedAt: at, AcceptedAt: &at}},
	}
}

func TestFindLatestAcceptedPicksMostRecent(t *testing.T) {
	t1 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	q := supplements.QuestionSupplement{
		"manual_transcription": {Single: acceptedInstance("m1", supplements.Payload{"language": "en", "value": "manual"}, t1)},
		"automatic_google_transcription": {Single: acceptedInstance("a1", supplements.Payload{
			"language": "en", "locale": "en-GB", "status": "complete", "value": "auto",
		}, t2)},
	}
	up, err := FindLatestAccepted(q, []string{"manual_transcription", "automatic_google_transcription"}, Options{})
	if err != nil {
		t.Fatalf("FindLatestAccepted: %v", err)
	}
	if up.VersionID != "a1" || up.Text() != "auto" {
		t.Fatalf("want a1/auto, got %s/%v", up.VersionID, up.Value)
	}
	if up.Language != "en-GB" {
		t.Fatalf("locale should win over language: got=%s", up.Language)
	}
	dep := up.Sanitize()
	if dep.ActionID != "automatic_google_transcription" || dep.VersionID != "a1" {
		t.Fatalf("Sanitize: got=%+v", dep)
	}
}

func TestFindLatestAcceptedIgnoresUnacceptedAndDeleted(t *testing.T) {
	t1 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	unaccepted := &supplements.ActionInstance{Versions: []*supplements.Version{{
		ID: "a1", CreatedAt: t1, Data: supplements.Payload{"language": "en", "status": "complete", "value": "draft"},
	}}}
	deleted := &supplements.ActionInstance{Versions: []*supplements.Version{
		{ID: "m2", CreatedAt: t1.Add(time.Minute), Data: supplements.Payload{"language": "en", "value": nil}},
		{ID: "m1", CreatedAt: t1, AcceptedAt: &t1, Data: supplements.Payload{"language": "en", "value": "gone"}},
	}}
	q := supplements.QuestionSupplement{
		"automatic_google_transcription": {Single: unaccepted},
		"manual_transcription":           {Single: deleted},
	}
	_, err := FindLatestAccepted(q, []string{"manual_transcription", "automatic_google_transcription"}, Options{})
	if !errors.Is(err, ErrUpstreamNotFound) {
		t.Fatalf("want ErrUpstreamNotFound, got %v", err)
	}
}

func TestFindLatestAcceptedKeyFilter(t *testing.T) {
	t1 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	keyed := supplements.NewKeyedEntry()
	keyed.Keyed["q-a"] = acceptedInstance("va", supplements.Payload{"uuid": "q-a", "value": "yes"}, t1)
	keyed.Keyed["q-b"] = acceptedInstance("vb", supplements.Payload{"uuid": "q-b", "value": "no"}, t1.Add(time.Hour))
	q := supplements.QuestionSupplement{"manual_qual": keyed}

	up, err := FindLatestAccepted(q, []string{"manual_qual"}, Options{Key: "q-a"})
	if err != nil {
		t.Fatalf("FindLatestAccepted: %v", err)
	}
	if up.VersionID != "va" {
		t.Fatalf("key filter: want=va got=%s", up.VersionID)
	}
}

func TestFindLatestAcceptedLanguageFilter(t *testing.T) {
	t1 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	keyed := supplements.NewKeyedEntry()
	keyed.Keyed["fr"] = acceptedInstance("fr1", supplements.Payload{"language": "fr", "value": "bonjour"}, t1.Add(time.Hour))
	keyed.Keyed["es"] = acceptedInstance("es1", supplements.Payload{"language": "es", "value": "hola"}, t1)
	q := supplements.QuestionSupplement{"manual_translation": keyed}

	up, err := FindLatestAccepted(q, []string{"manual_translation"}, Options{Language: "es-MX"})
	if err != nil {
		t.Fatalf("FindLatestAccepted: %v", err)
	}
	if up.VersionID != "es1" {
		t.Fatalf("language filter: want=es1 got=%s", up.VersionID)
	}
}
