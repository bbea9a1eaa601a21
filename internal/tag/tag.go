// Package tag models the snapshot migration status carried in a single
// mutable EC2 tag value.
package tag

import "fmt"

// Status is the migration state of a snapshot. The only legal forward
// transitions are None -> Migrate (done by the operator, outside this
// tool) and Migrate -> Transferred (done here, after a successful
// upload).
type Status int

const (
	// None means the tag is absent; the snapshot is not eligible.
	None Status = iota
	// Migrate marks a snapshot eligible for backup.
	Migrate
	// Transferred marks a snapshot already processed.
	Transferred
)

const (
	migrateValue     = "migrate"
	transferredValue = "transferred"
)

func (s Status) String() string {
	switch s {
	case Migrate:
		return migrateValue
	case Transferred:
		return transferredValue
	default:
		return ""
	}
}

// Parse maps a raw tag value to a Status. An empty value means the tag
// is absent. Unknown values are reported so a typo ("migrated") does
// not silently make a snapshot ineligible forever.
func Parse(value string) (Status, error) {
	switch value {
	case "":
		return None, nil
	case migrateValue:
		return Migrate, nil
	case transferredValue:
		return Transferred, nil
	default:
		return None, fmt.Errorf("unrecognized migration tag value %q", value)
	}
}

// CanTransition reports whether moving from one status to another is a
// legal state-machine step.
func CanTransition(from, to Status) bool {
	switch {
	case from == None && to == Migrate:
		return true
	case from == Migrate && to == Transferred:
		return true
	default:
		return false
	}
}
