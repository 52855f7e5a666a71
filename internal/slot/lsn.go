package slot

import (
	"fmt"
	"strconv"
	"strings"
)

// LSN is a PostgreSQL log sequence number (the "XXXXXXXX/XXXXXXXX"
// textual form), compared as a single 64-bit position.
type LSN uint64

// ParseLSN parses the textual LSN form emitted by PostgreSQL.
func ParseLSN(s string) (LSN, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0, fmt.Errorf("parse lsn %q: expected hi/lo form", s)
	}
	hi, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse lsn %q: %w", s, err)
	}
	lo, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse lsn %q: %w", s, err)
	}
	return LSN(hi<<32 | lo), nil
}

// String renders the LSN back to PostgreSQL's textual form.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint64(l)>>32, uint64(l)&0xFFFFFFFF)
}
