package arena

type arenaError string

var _ error = arenaError("")

func (err arenaError) Error() string {
	return string(err)
}

const (
	ErrNoMemory     = arenaError("arena: out of memory")
	ErrRootExists   = arenaError("arena: root already exists")
	ErrRootsFull    = arenaError("arena: no free root slot")
	ErrRootNotFound = arenaError("arena: root not found")
	ErrInvalidName  = arenaError("arena: root name empty or too long")
	ErrUnformatted  = arenaError("arena: segment not formatted")
)
