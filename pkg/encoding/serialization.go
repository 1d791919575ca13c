package encoding

// Serializable is implemented by values that can round-trip themselves
// through a byte representation, such as gateway wire frames.
type Serializable[T any] interface {
	Serialize() ([]byte, error)
	Deserialize([]byte) error
}
