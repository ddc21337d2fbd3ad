package handover

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by repositories when no row matches.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate record")
	// ErrConflict is returned when a bed changed between read and write.
	ErrConflict = errors.New("bed record was modified concurrently")

	ErrInvalidBed   = errors.New("invalid bed number")
	ErrInvalidShift = errors.New("invalid shift")
)

type PatientRepository interface {
	// FindByBed returns the first patient on the bed by store order.
	FindByBed(ctx context.Context, bed string) (*Patient, error)
	Create(ctx context.Context, p *Patient) error
	// Update writes p only if the stored revision equals expectedRevision and
	// sets p.Revision to the new value.
	Update(ctx context.Context, p *Patient, expectedRevision int) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type MedicationRepository interface {
	FindPrivate(ctx context.Context, patientID uuid.UUID) (*Medication, error)
	Create(ctx context.Context, m *Medication) error
	Update(ctx context.Context, m *Medication) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type HandoverRepository interface {
	// FindSince returns the first handover of the patient dated at or after since.
	FindSince(ctx context.Context, patientID uuid.UUID, since time.Time) (*Handover, error)
	// Latest returns the most recent handover by date.
	Latest(ctx context.Context, patientID uuid.UUID) (*Handover, error)
	Create(ctx context.Context, h *Handover) error
	Update(ctx context.Context, h *Handover) error
}

type VersionRepository interface {
	CreatePatientVersion(ctx context.Context, v *PatientVersion) error
	CreateHandoverVersion(ctx context.Context, v *HandoverVersion) error
	// ListPatientVersions returns newest first.
	ListPatientVersions(ctx context.Context, patientID uuid.UUID, limit int) ([]*PatientVersion, error)
	ListHandoverVersions(ctx context.Context, handoverID uuid.UUID, limit int) ([]*HandoverVersion, error)
}

// Repositories bundles one store backend.
type Repositories struct {
	Patients    PatientRepository
	Medications MedicationRepository
	Handovers   HandoverRepository
	Versions    VersionRepository
}

// UnitOfWork runs fn atomically. Calls nested inside another unit run in a
// savepoint of the outer transaction.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// ViewCache stores JSON-encoded bed views.
type ViewCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, keys ...string) error
}

// Observer receives operational counters.
type Observer interface {
	BedSaved(outcome string)
	BedCleared()
	VersionWriteFailed(entity string)
	CacheLookup(hit bool)
}

type nopObserver struct{}

func (nopObserver) BedSaved(string) {}
func (nopObserver) BedCleared() {}
func (nopObserver) VersionWriteFailed(string) {}
func (nopObserver) CacheLookup(bool) {}
