package handover

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Shift is the work period during which a write occurs.
type Shift string

const (
	ShiftAM    Shift = "AM"
	ShiftPM    Shift = "PM"
	ShiftNight Shift = "Night"

	// ShiftUnknown is only recorded on system-initiated version rows.
	ShiftUnknown Shift = "Unknown"
)

// ParseShift accepts the closed set AM, PM, Night. An empty code means AM.
func ParseShift(code string) (Shift, error) {
	switch Shift(strings.TrimSpace(code)) {
	case "":
		return ShiftAM, nil
	case ShiftAM:
		return ShiftAM, nil
	case ShiftPM:
		return ShiftPM, nil
	case ShiftNight:
		return ShiftNight, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidShift, code)
}

type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

const (
	GenderMale   = "M"
	GenderFemale = "F"
)

// Patient maps to the patient table. One live row per occupied bed.
type Patient struct {
	ID        uuid.UUID `db:"id" json:"id"`
	BedNumber string    `db:"bed_number" json:"bedNumber"`
	Name      string    `db:"name" json:"name"`
	Age       *int      `db:"age" json:"age"`
	Gender    *string   `db:"gender" json:"gender"`
	Diagnosis *string   `db:"diagnosis" json:"diagnosis"`
	Allergies []string  `db:"allergies" json:"allergies"`
	Revision  int       `db:"revision" json:"revision"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Medication maps to the medication table.
type Medication struct {
	ID        uuid.UUID `db:"id" json:"id"`
	PatientID uuid.UUID `db:"patient_id" json:"patientId"`
	Name      string    `db:"name" json:"name"`
	IsPrivate bool      `db:"is_private" json:"isPrivate"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Handover maps to the handover table. Day is the calendar day of Date in the
// ward time zone; (PatientID, Day) is unique.
type Handover struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PatientID  uuid.UUID `db:"patient_id" json:"patientId"`
	Date       time.Time `db:"date" json:"date"`
	Day        time.Time `db:"day" json:"-"`
	Shift      Shift     `db:"shift" json:"shift"`
	Assessment *string   `db:"assessment" json:"assessment"`
	Plan       *string   `db:"plan" json:"plan"`
	Concerns   *string   `db:"concerns" json:"concerns"`
	NurseTo    *string   `db:"nurse_to" json:"nurseTo"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// PatientVersion maps to the append-only patient_version table.
type PatientVersion struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	Seq        int64           `db:"seq" json:"-"`
	PatientID  uuid.UUID       `db:"patient_id" json:"-"`
	Data       json.RawMessage `db:"data" json:"data"`
	Shift      Shift           `db:"shift" json:"shift"`
	ChangedBy  string          `db:"changed_by" json:"changedBy"`
	ChangeType ChangeType      `db:"change_type" json:"changeType"`
	Changes    map[string]bool `db:"changes" json:"changes"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
}

// HandoverVersion maps to the append-only handover_version table.
type HandoverVersion struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	Seq        int64           `db:"seq" json:"-"`
	HandoverID uuid.UUID       `db:"handover_id" json:"handoverId"`
	Data       json.RawMessage `db:"data" json:"data"`
	Shift      Shift           `db:"shift" json:"shift"`
	ChangedBy  string          `db:"changed_by" json:"changedBy"`
	ChangeType ChangeType      `db:"change_type" json:"changeType"`
	Changes    map[string]bool `db:"changes" json:"changes"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
}

// BedView is the per-bed view-model exchanged with the UI.
type BedView struct {
	Age                string `json:"age"`
	Gender             string `json:"gender"`
	Complaints         string `json:"complaints"`
	Investigation      string `json:"investigation"`
	Management         string `json:"management"`
	Consultations      string `json:"consultations"`
	Results            string `json:"results"`
	PendingDischarge   bool   `json:"pendingDischarge"`
	DrugAllergy        string `json:"drugAllergy"`
	PrivateMedications string `json:"privateMedications"`

	// Read-only; ignored on save.
	Revision    int        `json:"revision,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
}

// HasData reports whether any clinical field of the view is filled in.
func (v *BedView) HasData() bool {
	return v.Age != "" || v.Gender != "" || v.Complaints != "" || v.Investigation != "" ||
		v.Management != "" || v.Consultations != "" || v.Results != ""
}

// persisted returns the view's persisted fields keyed by their JSON names.
func (v *BedView) persisted() map[string]any {
	return map[string]any{
		"age":                v.Age,
		"gender":             v.Gender,
		"complaints":         v.Complaints,
		"investigation":      v.Investigation,
		"management":         v.Management,
		"consultations":      v.Consultations,
		"results":            v.Results,
		"pendingDischarge":   v.PendingDischarge,
		"drugAllergy":        v.DrugAllergy,
		"privateMedications": v.PrivateMedications,
	}
}

// BedRecord is the aggregate returned by a save.
type BedRecord struct {
	Patient           *Patient    `json:"patient"`
	PrivateMedication *Medication `json:"privateMedication,omitempty"`
	Handover          *Handover   `json:"handover,omitempty"`
}

// TeamSummary is the occupancy overview of one team.
type TeamSummary struct {
	Team             int `json:"team"`
	Total            int `json:"total"`
	Occupied         int `json:"occupied"`
	Percentage       int `json:"percentage"`
	Male             int `json:"male"`
	Female           int `json:"female"`
	PendingDischarge int `json:"pendingDischarge"`
}

// NormalizeBed validates a bed identifier and returns its canonical decimal
// form, so "012" and "12" address the same bed.
func NormalizeBed(bed string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(bed))
	if err != nil || n <= 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidBed, bed)
	}
	return strconv.Itoa(n), nil
}

// parseAge returns nil for empty, non-numeric or negative input.
func parseAge(s string) *int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

func normalizeGender(s string) *string {
	switch g := strings.TrimSpace(s); g {
	case GenderMale, GenderFemale:
		return &g
	}
	return nil
}

// splitAllergies turns "Penicillin, Sulfa" into ["Penicillin", "Sulfa"].
func splitAllergies(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if a := strings.TrimSpace(part); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func joinAllergies(list []string) string {
	return strings.Join(list, ", ")
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func midnight(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
