package dataset

import "fmt"

// ConfigError reports a misconfigured job: mismatched volume shapes, a
// footprint too large for a volume, or inconsistent parameter lists. These
// are fatal at construction time and never retried.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return "dataset: " + e.msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// ResourceError reports a missing or unreadable volume, mask, or archive,
// carrying the offending path.
type ResourceError struct {
	Path string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("dataset: resource %s: %v", e.Path, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// ArchiveError reports a malformed persisted dataset archive.
type ArchiveError struct {
	Path string
	Err  error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("dataset: archive %s: %v", e.Path, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }
