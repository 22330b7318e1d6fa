package tarball

type ExtractOption func(o *extractOptions)

type extractOptions struct {
	dryRun   bool
	maxBytes int64
}

func WithDryRun(dryRun bool) ExtractOption {
	return func(o *extractOptions) {
		o.dryRun = dryRun
	}
}

// The maximum number of uncompressed bytes to accept from a single
// archive. Zero means no limit.
func WithMaxBytes(maxBytes int64) ExtractOption {
	return func(o *extractOptions) {
		o.maxBytes = maxBytes
	}
}
