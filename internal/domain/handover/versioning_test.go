package handover

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestParseVersionPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    VersionPolicy
		wantErr bool
	}{
		{"", VersionBestEffort, false},
		{"best-effort", VersionBestEffort, false},
		{"STRICT", VersionStrict, false},
		{"sometimes", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseVersionPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseVersionPolicy(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseVersionPolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDiffPatient_SemanticEquality(t *testing.T) {
	age := 65
	gender := "M"
	diagnosis := "Chest Pain"
	med := "Morphine"
	prior := &PatientSnapshot{
		Age:               &age,
		Gender:            &gender,
		Diagnosis:         &diagnosis,
		Allergies:         []string{"Penicillin", "Sulfa"},
		PrivateMedication: &med,
	}
	incoming := &BedView{
		Age:                " 65",
		Gender:             "M",
		Complaints:         "Chest Pain",
		DrugAllergy:        "Penicillin ,Sulfa,",
		PrivateMedications: "Morphine",
	}

	if got := DiffPatient(prior, incoming); got != (PatientChanges{}) {
		t.Errorf("expected no changes for equivalent input, got %+v", got)
	}
}

func TestDiffPatient_AbsentSides(t *testing.T) {
	got := DiffPatient(nil, &BedView{Age: "30", DrugAllergy: ""})
	want := PatientChanges{Age: true}
	if got != want {
		t.Errorf("created diff = %+v, want %+v", got, want)
	}

	diagnosis := "Sepsis"
	got = DiffPatient(&PatientSnapshot{Diagnosis: &diagnosis}, nil)
	if !got.Diagnosis || got.Age || got.Allergies {
		t.Errorf("deleted diff = %+v", got)
	}
}

func TestDiffPatient_MalformedAgeMatchesUnset(t *testing.T) {
	if got := DiffPatient(&PatientSnapshot{}, &BedView{Age: "n/a"}); got.Age {
		t.Error("malformed age parses to null and should equal an unset age")
	}
}

func TestDiffHandover(t *testing.T) {
	plan := "Rest"
	prior := &HandoverSnapshot{Plan: &plan}
	got := DiffHandover(prior, &BedView{Management: "Rest", Consultations: "Cardio"})
	want := HandoverChanges{Concerns: true}
	if got != want {
		t.Errorf("DiffHandover = %+v, want %+v", got, want)
	}
}

func TestVersioner_ClearDataIsOldProjection(t *testing.T) {
	store := newMemStore()
	v := NewVersioner(store.repos().Versions, passUOW{}, VersionStrict, nil, zerolog.Nop(),
		func() time.Time { return testStart })

	age := 80
	allergies := []string{"Latex"}
	prior := &PatientSnapshot{Age: &age, Allergies: allergies}
	id := uuid.New()
	if err := v.RecordPatientChange(context.Background(), id, prior, nil, "System", ShiftUnknown, ChangeDeleted); err != nil {
		t.Fatalf("RecordPatientChange: %v", err)
	}

	pv := store.patientVersions()
	if len(pv) != 1 {
		t.Fatalf("expected 1 version, got %d", len(pv))
	}
	var data map[string]any
	if err := json.Unmarshal(pv[0].Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(data) != 5 {
		t.Errorf("expected only the 5 projected keys, got %v", data)
	}
	if data["age"] != float64(80) || data["allergies"] != "Latex" {
		t.Errorf("unexpected projection: %v", data)
	}
	if !pv[0].Changes["age"] || !pv[0].Changes["allergies"] || pv[0].Changes["gender"] {
		t.Errorf("unexpected changes: %v", pv[0].Changes)
	}
	if !pv[0].CreatedAt.Equal(testStart) || pv[0].PatientID != id {
		t.Errorf("unexpected metadata: %+v", pv[0])
	}
}

func TestVersioner_BestEffortSwallows(t *testing.T) {
	store := newMemStore()
	store.failVersions = true
	obs := newCountingObserver()
	v := NewVersioner(store.repos().Versions, passUOW{}, VersionBestEffort, obs, zerolog.Nop(), nil)

	err := v.RecordHandoverChange(context.Background(), uuid.New(), nil, &BedView{}, "N", ShiftAM, ChangeCreated)
	if err != nil {
		t.Fatalf("expected nil under best effort, got %v", err)
	}
	if obs.versionFailed["handover"] != 1 {
		t.Errorf("expected failure counted, got %v", obs.versionFailed)
	}
}
