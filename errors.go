package filevault

import "errors"

// Errors returned by the blob store and metadata store for expected
// conditions. Vault translates them into the kinds below.
var (
	ErrNotFound      = errors.New("blob not found")
	ErrNoRecord      = errors.New("no such record")
	ErrDuplicateName = errors.New("stored filename already recorded")
	ErrEmptyPath     = errors.New("blob path cannot be empty")
	ErrPathTooLong   = errors.New("maximal blob path length exceeds")
	ErrInvalidPath   = errors.New("blob path contains invalid characters")
)

// Error kinds returned by Vault. Every error a Vault method returns wraps
// exactly one of these, so callers can branch with errors.Is.
var (
	// ErrRecordNotFound means the id is unknown to the metadata store.
	ErrRecordNotFound = errors.New("record not found")

	// ErrBlobMissing means the record exists but its blob does not. It
	// signals drift between the two stores and is never reported for an
	// id that was never valid.
	ErrBlobMissing = errors.New("blob missing from disk")

	ErrIOFailure       = errors.New("blob storage failure")
	ErrMetadataFailure = errors.New("metadata storage failure")

	// ErrNameCollision is an internal invariant violation: the name
	// allocator issued a name that is already taken.
	ErrNameCollision = errors.New("stored name collision")

	ErrEmptyName = errors.New("original filename cannot be empty")
)

// Kind names the error kind err wraps. It returns "ok" for a nil error and
// "unknown" for errors outside the vault taxonomy.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRecordNotFound):
		return "record_not_found"
	case errors.Is(err, ErrBlobMissing):
		return "blob_missing"
	case errors.Is(err, ErrNameCollision):
		return "name_collision"
	case errors.Is(err, ErrEmptyName):
		return "invalid_input"
	case errors.Is(err, ErrIOFailure):
		return "io_failure"
	case errors.Is(err, ErrMetadataFailure):
		return "metadata_failure"
	default:
		return "unknown"
	}
}
