package handover

import (
	"context"
	"math"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ReadTeam returns the occupied beds of a team keyed by bed number. Empty beds
// and unknown teams contribute nothing.
func (s *Service) ReadTeam(ctx context.Context, team int) (map[string]*BedView, error) {
	beds := s.dir.Beds(team)
	out := make(map[string]*BedView, len(beds))
	if len(beds) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.teamReads)
	for _, bed := range beds {
		key := strconv.Itoa(bed)
		g.Go(func() error {
			view, err := s.ReadBed(ctx, key)
			if err != nil {
				return err
			}
			if view != nil {
				mu.Lock()
				out[key] = view
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// SummarizeTeam computes occupancy counts for the team dashboard.
func (s *Service) SummarizeTeam(ctx context.Context, team int) (*TeamSummary, error) {
	views, err := s.ReadTeam(ctx, team)
	if err != nil {
		return nil, err
	}
	sum := &TeamSummary{Team: team, Total: len(s.dir.Beds(team))}
	for _, v := range views {
		if !v.HasData() {
			continue
		}
		sum.Occupied++
		switch v.Gender {
		case GenderMale:
			sum.Male++
		case GenderFemale:
			sum.Female++
		}
		if v.PendingDischarge {
			sum.PendingDischarge++
		}
	}
	if sum.Total > 0 {
		sum.Percentage = int(math.Round(float64(sum.Occupied) * 100 / float64(sum.Total)))
	}
	return sum, nil
}

// Teams returns the directory as team id → beds. The slices are the
// directory's copies and callers may modify them.
func (s *Service) Teams() map[int][]int {
	out := make(map[int][]int)
	for _, t := range s.dir.All() {
		out[t.ID] = t.Beds
	}
	return out
}
