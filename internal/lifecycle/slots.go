package lifecycle

import (
	"fmt"
	"os"
	"sync"

	"s2b/internal/fault"
)

// deviceSlots are the attachment device names handed to the provider.
// The kernel may surface them as /dev/xvdX instead; the local node is
// found by volume serial, not by this name.
var deviceSlots = []string{
	"/dev/sdf", "/dev/sdg", "/dev/sdh", "/dev/sdi", "/dev/sdj",
	"/dev/sdk", "/dev/sdl", "/dev/sdm", "/dev/sdn", "/dev/sdo", "/dev/sdp",
}

// Slots allocates attachment device names so concurrent pipeline runs
// in one process never attach two volumes at the same name. Names
// whose device node already exists locally are skipped.
type Slots struct {
	mu    sync.Mutex
	inUse map[string]bool
}

func NewSlots() *Slots {
	return &Slots{inUse: make(map[string]bool)}
}

func (s *Slots) Acquire() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range deviceSlots {
		if s.inUse[name] {
			continue
		}
		if deviceNodeExists(name) {
			continue
		}
		s.inUse[name] = true
		return name, nil
	}
	return "", fault.New(fault.Busy, "no free attachment device slot")
}

func (s *Slots) Free(name string) {
	s.mu.Lock()
	delete(s.inUse, name)
	s.mu.Unlock()
}

func deviceNodeExists(name string) bool {
	if _, err := os.Stat(name); err == nil {
		return true
	}
	// Nitro instances expose /dev/sdf as /dev/xvdf.
	if len(name) > len("/dev/s") {
		alt := fmt.Sprintf("/dev/xvd%s", name[len(name)-1:])
		if _, err := os.Stat(alt); err == nil {
			return true
		}
	}
	return false
}
