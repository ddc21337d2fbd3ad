// Package beddirectory maps ward teams to the ordered list of beds they cover.
package beddirectory

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Team is one entry of the directory file.
type Team struct {
	ID   int   `yaml:"id" json:"id"`
	Beds []int `yaml:"beds" json:"beds"`
}

type file struct {
	Teams []Team `yaml:"teams"`
}

// Directory is immutable after construction and safe for concurrent use.
type Directory struct {
	teams   map[int][]int
	bedTeam map[int]int
	order   []int
}

var defaultTeams = []Team{
	{ID: 1, Beds: []int{1, 2, 3, 4, 5, 6, 7, 8, 41, 42, 48, 49}},
	{ID: 2, Beds: []int{9, 10, 11, 12, 13, 14, 15, 16, 31, 32, 33, 34}},
	{ID: 3, Beds: []int{17, 18, 19, 20, 21, 22, 23, 35, 37, 38, 39, 40, 43}},
	{ID: 4, Beds: []int{24, 25, 26, 27, 28, 29, 30, 36, 44, 45, 46, 47}},
}

// Default returns the ward's built-in four-team layout.
func Default() *Directory {
	d, err := New(defaultTeams)
	if err != nil {
		panic(err)
	}
	return d
}

// New validates teams and builds a Directory. Team ids and bed numbers must be
// positive and a bed may belong to only one team.
func New(teams []Team) (*Directory, error) {
	d := &Directory{
		teams:   make(map[int][]int, len(teams)),
		bedTeam: make(map[int]int),
	}
	for _, t := range teams {
		if t.ID <= 0 {
			return nil, fmt.Errorf("team id must be positive, got %d", t.ID)
		}
		if _, dup := d.teams[t.ID]; dup {
			return nil, fmt.Errorf("team %d listed twice", t.ID)
		}
		beds := make([]int, 0, len(t.Beds))
		for _, bed := range t.Beds {
			if bed <= 0 {
				return nil, fmt.Errorf("team %d: bed number must be positive, got %d", t.ID, bed)
			}
			if other, taken := d.bedTeam[bed]; taken {
				return nil, fmt.Errorf("bed %d assigned to both team %d and team %d", bed, other, t.ID)
			}
			d.bedTeam[bed] = t.ID
			beds = append(beds, bed)
		}
		d.teams[t.ID] = beds
		d.order = append(d.order, t.ID)
	}
	sort.Ints(d.order)
	return d, nil
}

// LoadFile reads a YAML directory of the form
//
//	teams:
//	  - id: 1
//	    beds: [1, 2, 3]
func LoadFile(path string) (*Directory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bed directory: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse bed directory %s: %w", path, err)
	}
	if len(f.Teams) == 0 {
		return nil, fmt.Errorf("bed directory %s lists no teams", path)
	}
	return New(f.Teams)
}

// Beds returns a copy of the team's beds in directory order, or nil for an
// unknown team.
func (d *Directory) Beds(team int) []int {
	beds, ok := d.teams[team]
	if !ok {
		return nil
	}
	out := make([]int, len(beds))
	copy(out, beds)
	return out
}

// Teams returns the team ids in ascending order.
func (d *Directory) Teams() []int {
	out := make([]int, len(d.order))
	copy(out, d.order)
	return out
}

// TeamOf reports which team covers bed.
func (d *Directory) TeamOf(bed int) (int, bool) {
	team, ok := d.bedTeam[bed]
	return team, ok
}

// All returns every team with its beds, ordered by team id.
func (d *Directory) All() []Team {
	out := make([]Team, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, Team{ID: id, Beds: d.Beds(id)})
	}
	return out
}
