package merge

import "fmt"

// DuplicatePolicy decides which title wins when a symbol appears more than
// once in the title list.
type DuplicatePolicy string

const (
	DuplicateFirst DuplicatePolicy = "first" // keep the first occurrence
	DuplicateLast  DuplicatePolicy = "last"  // keep the last occurrence
	DuplicateFlag  DuplicatePolicy = "flag"  // keep the first and list the symbol in the report
)

// ParseDuplicatePolicy accepts "first", "last" or "flag". Empty means first.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch p := DuplicatePolicy(s); p {
	case "":
		return DuplicateFirst, nil
	case DuplicateFirst, DuplicateLast, DuplicateFlag:
		return p, nil
	}
	return "", fmt.Errorf("unknown duplicate policy %q", s)
}

// OrphanPolicy decides what happens to a symbol that has definitions but no
// title. Either way it is validated and counted in the report.
type OrphanPolicy string

const (
	OrphanDrop OrphanPolicy = "drop" // exclude from the rows
	OrphanEmit OrphanPolicy = "emit" // emit a row with an empty title
)

// ParseOrphanPolicy accepts "drop" or "emit". Empty means drop.
func ParseOrphanPolicy(s string) (OrphanPolicy, error) {
	switch p := OrphanPolicy(s); p {
	case "":
		return OrphanDrop, nil
	case OrphanDrop, OrphanEmit:
		return p, nil
	}
	return "", fmt.Errorf("unknown orphan policy %q", s)
}
