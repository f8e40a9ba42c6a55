package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrSchoolNotFound means a target school id is unknown to the directory.
var ErrSchoolNotFound = errors.New("school not found")

// SchoolDirectory resolves which district a school belongs to. It is an
// external collaborator: the platform's school registry owns the data.
// The engine consults it once, at job creation, to enforce that district
// callers only target their own schools.
type SchoolDirectory interface {
	DistrictOf(ctx context.Context, schoolID string) (string, error)
}

// StaticDirectory is a fixed school-to-district mapping, used in tests and
// small deployments where the school list is configuration.
type StaticDirectory struct {
	mu        sync.RWMutex
	districts map[string]string
}

// NewStaticDirectory creates a directory from a school id -> district id map.
func NewStaticDirectory(districts map[string]string) *StaticDirectory {
	m := make(map[string]string, len(districts))
	for school, district := range districts {
		m[school] = district
	}
	return &StaticDirectory{districts: m}
}

// Add registers or reassigns a school.
func (d *StaticDirectory) Add(schoolID, districtID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.districts[schoolID] = districtID
}

// DistrictOf returns the district a school belongs to.
func (d *StaticDirectory) DistrictOf(_ context.Context, schoolID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	district, ok := d.districts[schoolID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSchoolNotFound, schoolID)
	}
	return district, nil
}
