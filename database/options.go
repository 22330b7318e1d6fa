package database

type findReleasesOptions struct {
	limit    int
	offset   int
	statuses []string
}

type FindReleasesOptions func(*findReleasesOptions)

// Limit the number of releases returned.
func WithFindReleasesLimit(limit int) FindReleasesOptions {
	return func(o *findReleasesOptions) {
		o.limit = limit
	}
}

// Skip the newest n releases. Used by retention cleaning to keep the
// most recent deployments untouched.
func WithFindReleasesOffset(offset int) FindReleasesOptions {
	return func(o *findReleasesOptions) {
		o.offset = offset
	}
}

// Return only releases in the given statuses.
func WithFindReleasesStatus(statuses ...string) FindReleasesOptions {
	return func(o *findReleasesOptions) {
		o.statuses = statuses
	}
}
