package domain

// CreatedVia records how the active session identifier was obtained.
type CreatedVia string

const (
	CreatedViaPersisted CreatedVia = "persisted"
	CreatedViaGenerated CreatedVia = "generated"
)

// Session is the correlation token scoping one visitor's conversation on
// the backend. The ID is opaque; the backend never validates its format.
type Session struct {
	ID         string
	CreatedVia CreatedVia
}
