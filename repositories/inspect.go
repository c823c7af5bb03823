package repositories

import (
	"encoding/binary"
	"fmt"
	"messenger-hub/internal"
	"strings"
)

// InspectMapper renders badger entries for the debug inspector: messages are
// decoded, sequences shown as numbers, memberships with their join date.
func InspectMapper(key string, val []byte) internal.InspectRow {
	row := internal.DefaultMapper(key, val)
	family, _, _ := strings.Cut(key, ":")
	switch family {
	case "msg":
		m, err := decodeMessage(val)
		if err != nil {
			row.Detail = "undecodable: " + err.Error()
			return row
		}
		row.Detail = fmt.Sprintf("#%d %s from %s: %q", m.Sequence, m.ID, m.SenderID, m.Body)
	case "seq":
		if len(val) == 8 {
			row.Detail = fmt.Sprintf("last sequence %d", binary.BigEndian.Uint64(val))
		}
	case "member", "userconv":
		row.Detail = "joined " + string(val)
	case "idem":
		row.Detail = "-> " + string(val)
	}
	return row
}
