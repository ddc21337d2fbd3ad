package handover

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// VersionPolicy decides what a failed version write does to the surrounding save.
type VersionPolicy int

const (
	// VersionBestEffort logs the failure and lets the primary write proceed.
	VersionBestEffort VersionPolicy = iota
	// VersionStrict aborts the save.
	VersionStrict
)

func ParseVersionPolicy(s string) (VersionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "best-effort":
		return VersionBestEffort, nil
	case "strict":
		return VersionStrict, nil
	}
	return 0, fmt.Errorf("unknown version policy %q", s)
}

func (p VersionPolicy) String() string {
	if p == VersionStrict {
		return "strict"
	}
	return "best-effort"
}

// PatientSnapshot is the stored patient state a version is computed against.
type PatientSnapshot struct {
	Age               *int
	Gender            *string
	Diagnosis         *string
	Allergies         []string
	PrivateMedication *string
}

// SnapshotPatient captures p and its private medication (which may be nil).
func SnapshotPatient(p *Patient, private *Medication) PatientSnapshot {
	s := PatientSnapshot{
		Age:       p.Age,
		Gender:    p.Gender,
		Diagnosis: p.Diagnosis,
		Allergies: append([]string(nil), p.Allergies...),
	}
	if private != nil {
		name := private.Name
		s.PrivateMedication = &name
	}
	return s
}

// HandoverSnapshot is the stored handover state a version is computed against.
type HandoverSnapshot struct {
	Assessment *string
	Plan       *string
	Concerns   *string
}

func SnapshotHandover(h *Handover) HandoverSnapshot {
	return HandoverSnapshot{Assessment: h.Assessment, Plan: h.Plan, Concerns: h.Concerns}
}

type patientProjection struct {
	Age                *int    `json:"age"`
	Gender             *string `json:"gender"`
	Diagnosis          *string `json:"diagnosis"`
	Allergies          *string `json:"allergies"`
	PrivateMedications *string `json:"privateMedications"`
}

// PatientChanges flags which tracked patient fields differ.
type PatientChanges struct {
	Age                bool
	Gender             bool
	Diagnosis          bool
	Allergies          bool
	PrivateMedications bool
}

func (c PatientChanges) asMap() map[string]bool {
	return map[string]bool{
		"age":                c.Age,
		"gender":             c.Gender,
		"diagnosis":          c.Diagnosis,
		"allergies":          c.Allergies,
		"privateMedications": c.PrivateMedications,
	}
}

type handoverProjection struct {
	Assessment *string `json:"assessment"`
	Plan       *string `json:"plan"`
	Concerns   *string `json:"concerns"`
}

// HandoverChanges flags which tracked handover fields differ.
type HandoverChanges struct {
	Assessment bool
	Plan       bool
	Concerns   bool
}

func (c HandoverChanges) asMap() map[string]bool {
	return map[string]bool{
		"assessment": c.Assessment,
		"plan":       c.Plan,
		"concerns":   c.Concerns,
	}
}

func projectPatient(prior *PatientSnapshot) patientProjection {
	if prior == nil {
		return patientProjection{}
	}
	allergies := joinAllergies(prior.Allergies)
	return patientProjection{
		Age:                prior.Age,
		Gender:             prior.Gender,
		Diagnosis:          prior.Diagnosis,
		Allergies:          &allergies,
		PrivateMedications: prior.PrivateMedication,
	}
}

// DiffPatient compares the prior state with an incoming view. A nil prior is
// an empty record and a nil incoming view is an empty view.
func DiffPatient(prior *PatientSnapshot, incoming *BedView) PatientChanges {
	old := projectPatient(prior)
	in := incoming
	if in == nil {
		in = &BedView{}
	}
	return PatientChanges{
		Age:                !sameInt(old.Age, parseAge(in.Age)),
		Gender:             deref(old.Gender) != deref(normalizeGender(in.Gender)),
		Diagnosis:          deref(old.Diagnosis) != in.Complaints,
		Allergies:          deref(old.Allergies) != joinAllergies(splitAllergies(in.DrugAllergy)),
		PrivateMedications: deref(old.PrivateMedications) != in.PrivateMedications,
	}
}

// DiffHandover compares handover state with the view fields that feed it.
func DiffHandover(prior *HandoverSnapshot, incoming *BedView) HandoverChanges {
	old := HandoverSnapshot{}
	if prior != nil {
		old = *prior
	}
	in := incoming
	if in == nil {
		in = &BedView{}
	}
	return HandoverChanges{
		Assessment: deref(old.Assessment) != in.Complaints,
		Plan:       deref(old.Plan) != in.Management,
		Concerns:   deref(old.Concerns) != in.Consultations,
	}
}

func sameInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// mergeSnapshot overlays the incoming view on the old projection. The result
// is the effective new state, not a before/after pair.
func mergeSnapshot(old any, incoming *BedView) (json.RawMessage, error) {
	raw, err := json.Marshal(old)
	if err != nil {
		return nil, err
	}
	merged := map[string]any{}
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	if incoming != nil {
		for k, v := range incoming.persisted() {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Versioner appends version rows ahead of patient and handover mutations.
type Versioner struct {
	versions VersionRepository
	uow      UnitOfWork
	policy   VersionPolicy
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
}

func NewVersioner(versions VersionRepository, uow UnitOfWork, policy VersionPolicy, observer Observer, logger zerolog.Logger, now func() time.Time) *Versioner {
	if observer == nil {
		observer = nopObserver{}
	}
	if now == nil {
		now = time.Now
	}
	return &Versioner{
		versions: versions,
		uow:      uow,
		policy:   policy,
		observer: observer,
		logger:   logger,
		now:      now,
	}
}

// RecordPatientChange appends one PatientVersion. Under VersionBestEffort a
// storage failure is logged and nil is returned.
func (v *Versioner) RecordPatientChange(ctx context.Context, patientID uuid.UUID, prior *PatientSnapshot, incoming *BedView, actor string, shift Shift, changeType ChangeType) error {
	data, err := mergeSnapshot(projectPatient(prior), incoming)
	if err != nil {
		return fmt.Errorf("encode patient version: %w", err)
	}
	ver := &PatientVersion{
		PatientID:  patientID,
		Data:       data,
		Shift:      shift,
		ChangedBy:  actor,
		ChangeType: changeType,
		Changes:    DiffPatient(prior, incoming).asMap(),
		CreatedAt:  v.now(),
	}

	err = v.uow.Do(ctx, func(ctx context.Context) error {
		return v.versions.CreatePatientVersion(ctx, ver)
	})
	return v.settle(err, "patient", patientID, changeType)
}

// RecordHandoverChange appends one HandoverVersion.
func (v *Versioner) RecordHandoverChange(ctx context.Context, handoverID uuid.UUID, prior *HandoverSnapshot, incoming *BedView, actor string, shift Shift, changeType ChangeType) error {
	old := handoverProjection{}
	if prior != nil {
		old = handoverProjection{Assessment: prior.Assessment, Plan: prior.Plan, Concerns: prior.Concerns}
	}
	data, err := mergeSnapshot(old, incoming)
	if err != nil {
		return fmt.Errorf("encode handover version: %w", err)
	}
	ver := &HandoverVersion{
		HandoverID: handoverID,
		Data:       data,
		Shift:      shift,
		ChangedBy:  actor,
		ChangeType: changeType,
		Changes:    DiffHandover(prior, incoming).asMap(),
		CreatedAt:  v.now(),
	}

	err = v.uow.Do(ctx, func(ctx context.Context) error {
		return v.versions.CreateHandoverVersion(ctx, ver)
	})
	return v.settle(err, "handover", handoverID, changeType)
}

func (v *Versioner) settle(err error, entity string, id uuid.UUID, changeType ChangeType) error {
	if err == nil {
		return nil
	}
	v.observer.VersionWriteFailed(entity)
	if v.policy == VersionStrict {
		return fmt.Errorf("write %s version: %w", entity, err)
	}
	v.logger.Error().Err(err).
		Str("entity", entity).
		Str("id", id.String()).
		Str("change_type", string(changeType)).
		Msg("version write failed, continuing")
	return nil
}
