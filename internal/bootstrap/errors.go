package bootstrap

// packTargetMissingError names the install target a pack source failed to provide.
type packTargetMissingError struct {
	packID string
	target string
}

func (e packTargetMissingError) Error() string {
	return "pack " + e.packID + " missing expected target: " + e.target
}

// ErrPackTargetMissing constructs a packTargetMissingError.
func ErrPackTargetMissing(packID, target string) error {
	return packTargetMissingError{packID: packID, target: target}
}

// IsPackTargetMissing reports whether err indicates a pack payload without an
// expected install target.
func IsPackTargetMissing(err error) bool {
	_, ok := err.(packTargetMissingError)
	return ok
}

// emptySelectionError signals a start request that resolves to zero packs.
type emptySelectionError struct{}

func (emptySelectionError) Error() string { return "no model packs selected" }

// ErrEmptySelection is returned when normalization leaves nothing to install.
func ErrEmptySelection() error { return emptySelectionError{} }

// IsEmptySelection reports whether err indicates an empty pack selection.
func IsEmptySelection(err error) bool {
	_, ok := err.(emptySelectionError)
	return ok
}
