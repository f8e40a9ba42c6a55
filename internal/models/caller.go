package models

// Caller is the identity and tenant scope supplied by the authentication
// collaborator. It is a mandatory input to every controller operation;
// scope filtering happens in the controller, not the transport layer.
//
// The zero value is an unprivileged caller with no district, which can
// access nothing. Use PlatformCaller or DistrictCaller.
type Caller struct {
	// Subject identifies the caller (user id, service account).
	Subject string

	// DistrictID is the caller's tenant. Empty for platform operators.
	DistrictID string

	// Platform marks a privileged platform operator who bypasses all
	// scope restrictions.
	Platform bool
}

// PlatformCaller returns a privileged caller that sees every job and may
// target any school.
func PlatformCaller(subject string) Caller {
	return Caller{Subject: subject, Platform: true}
}

// DistrictCaller returns a caller restricted to a single district.
func DistrictCaller(subject, districtID string) Caller {
	return Caller{Subject: subject, DistrictID: districtID}
}

// CanAccess reports whether the caller may see a job with the given scope.
func (c Caller) CanAccess(jobScope string) bool {
	if c.Platform {
		return true
	}
	return c.DistrictID != "" && c.DistrictID == jobScope
}

// JobScope returns the scope new jobs created by this caller should carry:
// the caller's district, or empty for platform-wide jobs.
func (c Caller) JobScope() string {
	if c.Platform {
		return ""
	}
	return c.DistrictID
}
