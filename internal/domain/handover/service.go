package handover

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wardhandover/handover/internal/domain/beddirectory"
)

// MaxVersions caps every version listing.
const MaxVersions = 50

const (
	defaultActor      = "Unknown"
	systemActor       = "System"
	defaultTeamReads  = 4
	cacheKeyPrefixBed = "bed:"
)

// SaveMode selects the transaction boundaries of a bed save.
type SaveMode int

const (
	// SaveAtomic writes patient and handover in one unit of work.
	SaveAtomic SaveMode = iota
	// SaveIndependent commits the patient before the handover is attempted.
	SaveIndependent
)

func ParseSaveMode(s string) (SaveMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "atomic":
		return SaveAtomic, nil
	case "independent":
		return SaveIndependent, nil
	}
	return 0, fmt.Errorf("unknown save mode %q", s)
}

func (m SaveMode) String() string {
	if m == SaveIndependent {
		return "independent"
	}
	return "atomic"
}

// Options configures a Service. The zero value is usable.
type Options struct {
	Logger          zerolog.Logger
	Location        *time.Location
	SaveMode        SaveMode
	VersionPolicy   VersionPolicy
	Cache           ViewCache
	Observer        Observer
	TeamConcurrency int
	Now             func() time.Time
}

type Service struct {
	patients    PatientRepository
	medications MedicationRepository
	handovers   HandoverRepository
	versions    VersionRepository
	uow         UnitOfWork
	dir         *beddirectory.Directory
	versioner   *Versioner

	cache     ViewCache
	observer  Observer
	logger    zerolog.Logger
	loc       *time.Location
	saveMode  SaveMode
	teamReads int
	now       func() time.Time
}

func NewService(repos Repositories, uow UnitOfWork, dir *beddirectory.Directory, opts Options) *Service {
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TeamConcurrency <= 0 {
		opts.TeamConcurrency = defaultTeamReads
	}
	if dir == nil {
		dir = beddirectory.Default()
	}
	return &Service{
		patients:    repos.Patients,
		medications: repos.Medications,
		handovers:   repos.Handovers,
		versions:    repos.Versions,
		uow:         uow,
		dir:         dir,
		versioner:   NewVersioner(repos.Versions, uow, opts.VersionPolicy, opts.Observer, opts.Logger, opts.Now),
		cache:       opts.Cache,
		observer:    opts.Observer,
		logger:      opts.Logger,
		loc:         opts.Location,
		saveMode:    opts.SaveMode,
		teamReads:   opts.TeamConcurrency,
		now:         opts.Now,
	}
}

// Directory returns the bed directory the service resolves teams against.
func (s *Service) Directory() *beddirectory.Directory {
	return s.dir
}

func resolveActor(name, fallback string) string {
	if name = strings.TrimSpace(name); name == "" {
		return fallback
	}
	return name
}

// SaveRequest is one nurse's save of one bed.
type SaveRequest struct {
	Bed   string
	View  *BedView
	Actor string
	Shift string
	// ExpectedRevision, when set, must match the stored patient revision.
	ExpectedRevision *int
}

// -- Read --

// ReadBed returns the view of an occupied bed, or nil for an empty one.
func (s *Service) ReadBed(ctx context.Context, bed string) (*BedView, error) {
	bed, err := NormalizeBed(bed)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		var cached BedView
		hit, err := s.cache.Get(ctx, cacheKeyPrefixBed+bed, &cached)
		if err != nil {
			s.logger.Warn().Err(err).Str("bed", bed).Msg("bed cache read failed")
		}
		s.observer.CacheLookup(hit)
		if hit {
			return &cached, nil
		}
	}

	view, err := s.loadView(ctx, bed)
	if err != nil || view == nil {
		return view, err
	}
	if s.cache != nil {
		s.fill(ctx, bed, view)
	}
	return view, nil
}

// fill caches view, then reloads the bed and drops the entry if a save or
// clear committed in between. Writers invalidate after commit, so either
// their delete lands after this Set or the reload sees their change.
func (s *Service) fill(ctx context.Context, bed string, view *BedView) {
	key := cacheKeyPrefixBed + bed
	if err := s.cache.Set(ctx, key, view); err != nil {
		s.logger.Warn().Err(err).Str("bed", bed).Msg("bed cache write failed")
		return
	}
	current, err := s.loadView(ctx, bed)
	if err == nil && sameState(view, current) {
		return
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.Warn().Err(err).Str("bed", bed).Msg("bed cache invalidation failed")
	}
}

// sameState compares the fields every save or clear moves.
func sameState(a, b *BedView) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Revision != b.Revision {
		return false
	}
	if a.LastUpdated == nil || b.LastUpdated == nil {
		return a.LastUpdated == b.LastUpdated
	}
	return a.LastUpdated.Equal(*b.LastUpdated)
}

func (s *Service) loadView(ctx context.Context, bed string) (*BedView, error) {
	p, err := s.patients.FindByBed(ctx, bed)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find patient for bed %s: %w", bed, err)
	}

	h, err := s.handovers.Latest(ctx, p.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("latest handover for bed %s: %w", bed, err)
	}
	private, err := s.findPrivate(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return buildView(p, h, private), nil
}

func buildView(p *Patient, h *Handover, private *Medication) *BedView {
	v := &BedView{
		Complaints:  deref(p.Diagnosis),
		DrugAllergy: joinAllergies(p.Allergies),
		Revision:    p.Revision,
	}
	if p.Age != nil {
		v.Age = strconv.Itoa(*p.Age)
	}
	if g := normalizeGender(deref(p.Gender)); g != nil {
		v.Gender = *g
	}
	if private != nil {
		v.PrivateMedications = private.Name
	}
	updated := p.UpdatedAt
	if h != nil {
		if v.Complaints == "" {
			v.Complaints = deref(h.Assessment)
		}
		v.Management = deref(h.Plan)
		v.Consultations = deref(h.Concerns)
		if h.UpdatedAt.After(updated) {
			updated = h.UpdatedAt
		}
	}
	if !updated.IsZero() {
		v.LastUpdated = &updated
	}
	return v
}

// -- Write --

// WriteBed creates or updates the bed's patient and today's handover,
// versioning each before it changes.
func (s *Service) WriteBed(ctx context.Context, req SaveRequest) (rec *BedRecord, err error) {
	defer func() { s.observer.BedSaved(saveOutcome(err)) }()

	bed, err := NormalizeBed(req.Bed)
	if err != nil {
		return nil, err
	}
	shift, err := ParseShift(req.Shift)
	if err != nil {
		return nil, err
	}
	actor := resolveActor(req.Actor, defaultActor)
	view := req.View
	if view == nil {
		view = &BedView{}
	}

	rec = &BedRecord{}
	patientStep := func(ctx context.Context) error {
		p, private, err := s.savePatient(ctx, bed, view, actor, shift, req.ExpectedRevision)
		if err != nil {
			return err
		}
		rec.Patient, rec.PrivateMedication = p, private
		return nil
	}
	handoverStep := func(ctx context.Context) error {
		h, err := s.saveHandover(ctx, rec.Patient, view, actor, shift)
		if err != nil {
			return err
		}
		rec.Handover = h
		return nil
	}

	if s.saveMode == SaveIndependent {
		if err := s.uow.Do(ctx, patientStep); err != nil {
			return nil, err
		}
		s.invalidate(ctx, bed)
		if err := s.uow.Do(ctx, handoverStep); err != nil {
			return nil, fmt.Errorf("bed %s patient saved, handover failed: %w", bed, err)
		}
	} else {
		err := s.uow.Do(ctx, func(ctx context.Context) error {
			if err := patientStep(ctx); err != nil {
				return err
			}
			return handoverStep(ctx)
		})
		if err != nil {
			return nil, err
		}
	}

	s.invalidate(ctx, bed)
	return rec, nil
}

func (s *Service) savePatient(ctx context.Context, bed string, view *BedView, actor string, shift Shift, expected *int) (*Patient, *Medication, error) {
	p, err := s.patients.FindByBed(ctx, bed)
	if errors.Is(err, ErrNotFound) {
		if expected != nil && *expected != 0 {
			return nil, nil, fmt.Errorf("bed %s is no longer occupied: %w", bed, ErrConflict)
		}
		return s.createPatient(ctx, bed, view, actor, shift)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("find patient for bed %s: %w", bed, err)
	}
	if expected != nil && *expected != p.Revision {
		return nil, nil, fmt.Errorf("bed %s at revision %d, expected %d: %w", bed, p.Revision, *expected, ErrConflict)
	}

	private, err := s.findPrivate(ctx, p.ID)
	if err != nil {
		return nil, nil, err
	}
	prior := SnapshotPatient(p, private)
	if err := s.versioner.RecordPatientChange(ctx, p.ID, &prior, view, actor, shift, ChangeUpdated); err != nil {
		return nil, nil, err
	}

	rev := p.Revision
	applyView(p, view, s.now())
	if err := s.patients.Update(ctx, p, rev); err != nil {
		return nil, nil, fmt.Errorf("update patient for bed %s: %w", bed, err)
	}

	private, err = s.upsertPrivate(ctx, p.ID, private, view.PrivateMedications)
	if err != nil {
		return nil, nil, err
	}
	return p, private, nil
}

func (s *Service) createPatient(ctx context.Context, bed string, view *BedView, actor string, shift Shift) (*Patient, *Medication, error) {
	now := s.now()
	p := &Patient{
		ID:        uuid.New(),
		BedNumber: bed,
		Name:      "Bed " + bed,
		Revision:  1,
		CreatedAt: now,
	}
	applyView(p, view, now)
	if err := s.patients.Create(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, nil, fmt.Errorf("bed %s was occupied concurrently: %w", bed, ErrConflict)
		}
		return nil, nil, fmt.Errorf("create patient for bed %s: %w", bed, err)
	}

	var private *Medication
	if view.PrivateMedications != "" {
		private = &Medication{
			ID:        uuid.New(),
			PatientID: p.ID,
			Name:      view.PrivateMedications,
			IsPrivate: true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.medications.Create(ctx, private); err != nil {
			return nil, nil, fmt.Errorf("create private medication for bed %s: %w", bed, err)
		}
	}

	if err := s.versioner.RecordPatientChange(ctx, p.ID, nil, view, actor, shift, ChangeCreated); err != nil {
		return nil, nil, err
	}
	return p, private, nil
}

func (s *Service) findPrivate(ctx context.Context, patientID uuid.UUID) (*Medication, error) {
	m, err := s.medications.FindPrivate(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find private medication: %w", err)
	}
	return m, nil
}

// upsertPrivate keeps at most one private medication row. An empty name
// removes the existing row.
func (s *Service) upsertPrivate(ctx context.Context, patientID uuid.UUID, existing *Medication, name string) (*Medication, error) {
	now := s.now()
	switch {
	case name == "" && existing == nil:
		return nil, nil
	case name == "":
		if err := s.medications.Delete(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("delete private medication: %w", err)
		}
		return nil, nil
	case existing != nil:
		existing.Name = name
		existing.UpdatedAt = now
		if err := s.medications.Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("update private medication: %w", err)
		}
		return existing, nil
	}

	m := &Medication{
		ID:        uuid.New(),
		PatientID: patientID,
		Name:      name,
		IsPrivate: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.medications.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("create private medication: %w", err)
	}
	return m, nil
}

func (s *Service) saveHandover(ctx context.Context, p *Patient, view *BedView, actor string, shift Shift) (*Handover, error) {
	now := s.now()
	today := midnight(now, s.loc)

	h, err := s.handovers.FindSince(ctx, p.ID, today)
	if errors.Is(err, ErrNotFound) {
		h, err = s.createHandover(ctx, p.ID, view, actor, shift, now, today)
		if !errors.Is(err, ErrDuplicate) {
			return h, err
		}
		// Lost the first-write race for today; update the winner's row.
		h, err = s.handovers.FindSince(ctx, p.ID, today)
	}
	if err != nil {
		return nil, fmt.Errorf("find handover for bed %s: %w", p.BedNumber, err)
	}

	prior := SnapshotHandover(h)
	if err := s.versioner.RecordHandoverChange(ctx, h.ID, &prior, view, actor, shift, ChangeUpdated); err != nil {
		return nil, err
	}
	h.Assessment = optional(view.Complaints)
	h.Plan = optional(view.Management)
	h.Concerns = optional(view.Consultations)
	h.NurseTo = optional(actor)
	h.UpdatedAt = now
	if err := s.handovers.Update(ctx, h); err != nil {
		return nil, fmt.Errorf("update handover for bed %s: %w", p.BedNumber, err)
	}
	return h, nil
}

func (s *Service) createHandover(ctx context.Context, patientID uuid.UUID, view *BedView, actor string, shift Shift, now, today time.Time) (*Handover, error) {
	h := &Handover{
		ID:         uuid.New(),
		PatientID:  patientID,
		Date:       now,
		Day:        today,
		Shift:      shift,
		Assessment: optional(view.Complaints),
		Plan:       optional(view.Management),
		Concerns:   optional(view.Consultations),
		NurseTo:    optional(actor),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	// Nested so a unique violation leaves the enclosing transaction usable.
	err := s.uow.Do(ctx, func(ctx context.Context) error {
		return s.handovers.Create(ctx, h)
	})
	if errors.Is(err, ErrDuplicate) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("create handover: %w", err)
	}

	if err := s.versioner.RecordHandoverChange(ctx, h.ID, nil, view, actor, shift, ChangeCreated); err != nil {
		return nil, err
	}
	return h, nil
}

func applyView(p *Patient, v *BedView, now time.Time) {
	p.Age = parseAge(v.Age)
	p.Gender = normalizeGender(v.Gender)
	p.Diagnosis = optional(v.Complaints)
	p.Allergies = splitAllergies(v.DrugAllergy)
	p.UpdatedAt = now
}

func saveOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidBed), errors.Is(err, ErrInvalidShift):
		return "invalid"
	case errors.Is(err, ErrConflict):
		return "conflict"
	}
	return "error"
}

// -- Versions --

// ListVersions returns the bed's most recent patient versions, newest first.
// limit is clamped to MaxVersions; zero or negative means MaxVersions.
func (s *Service) ListVersions(ctx context.Context, bed string, limit int) ([]*PatientVersion, error) {
	bed, err := NormalizeBed(bed)
	if err != nil {
		return nil, err
	}
	p, err := s.patients.FindByBed(ctx, bed)
	if errors.Is(err, ErrNotFound) {
		return []*PatientVersion{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find patient for bed %s: %w", bed, err)
	}
	versions, err := s.versions.ListPatientVersions(ctx, p.ID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list versions for bed %s: %w", bed, err)
	}
	return versions, nil
}

// ListHandoverVersions returns the history of the bed's latest handover.
func (s *Service) ListHandoverVersions(ctx context.Context, bed string, limit int) ([]*HandoverVersion, error) {
	bed, err := NormalizeBed(bed)
	if err != nil {
		return nil, err
	}
	p, err := s.patients.FindByBed(ctx, bed)
	if errors.Is(err, ErrNotFound) {
		return []*HandoverVersion{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find patient for bed %s: %w", bed, err)
	}
	h, err := s.handovers.Latest(ctx, p.ID)
	if errors.Is(err, ErrNotFound) {
		return []*HandoverVersion{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest handover for bed %s: %w", bed, err)
	}
	versions, err := s.versions.ListHandoverVersions(ctx, h.ID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list handover versions for bed %s: %w", bed, err)
	}
	return versions, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxVersions {
		return MaxVersions
	}
	return limit
}

// -- Clear --

// ClearBed discharges the bed. Deleting the patient cascades to its
// medications, handovers and every version row. An empty bed is a no-op.
func (s *Service) ClearBed(ctx context.Context, bed, actor, shift string) error {
	bed, err := NormalizeBed(bed)
	if err != nil {
		return err
	}
	actor = resolveActor(actor, systemActor)
	sh := ShiftUnknown
	if shift != "" {
		if sh, err = ParseShift(shift); err != nil {
			return err
		}
	}

	cleared := false
	err = s.uow.Do(ctx, func(ctx context.Context) error {
		p, err := s.patients.FindByBed(ctx, bed)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find patient for bed %s: %w", bed, err)
		}
		private, err := s.findPrivate(ctx, p.ID)
		if err != nil {
			return err
		}
		prior := SnapshotPatient(p, private)
		if err := s.versioner.RecordPatientChange(ctx, p.ID, &prior, nil, actor, sh, ChangeDeleted); err != nil {
			return err
		}

		// The deleted version goes with the cascade, so the final state is
		// kept in the log.
		s.logger.Info().
			Str("bed", bed).
			Str("patient_id", p.ID.String()).
			Str("changed_by", actor).
			Str("shift", string(sh)).
			Interface("snapshot", projectPatient(&prior)).
			Msg("bed cleared")

		if err := s.patients.Delete(ctx, p.ID); err != nil {
			return fmt.Errorf("delete patient for bed %s: %w", bed, err)
		}
		cleared = true
		return nil
	})
	if err != nil {
		return err
	}
	if cleared {
		s.observer.BedCleared()
		s.invalidate(ctx, bed)
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, bed string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cacheKeyPrefixBed+bed); err != nil {
		s.logger.Warn().Err(err).Str("bed", bed).Msg("bed cache invalidation failed")
	}
}
