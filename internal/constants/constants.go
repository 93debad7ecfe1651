package constants

const (
	// IDRandomBytes is the entropy behind generated row ids.
	IDRandomBytes = 16

	UsernameMinLen = 2
	UsernameMaxLen = 64

	// QueueListMaxLimit caps the admin review queue page size.
	QueueListMaxLimit = 200
)
