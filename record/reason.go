package record

import "fmt"

// Reason says why a checkpoint was taken.
type Reason uint8

const (
	Manual Reason = iota
	SizeTriggered
	TimeTriggered
	OnNextCask
	CaskadePause
	CaskadeResume
	CaskadeClose
	CaskadeRecover
	// OnCaskHeader is never written; it is the checkpoint implied by
	// the header at the top of every cask.
	OnCaskHeader
	numReasons
)

var reasonNames = [numReasons]string{
	"manual", "size", "time", "next_cask", "pause", "resume", "close", "recover", "cask_header",
}

func (r Reason) String() string {
	if !r.Valid() {
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
	return reasonNames[r]
}

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	return r < numReasons
}

// Seals reports whether a checkpoint with this reason closes its cask
// for good.
func (r Reason) Seals() bool {
	return r == OnNextCask || r == CaskadeClose
}
