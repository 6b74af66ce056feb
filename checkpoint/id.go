package checkpoint

import (
	"fmt"
	"strconv"
	"time"
)

const idWidth = 20

// NextID returns an id that sorts after latest. Ids are zero-padded unix
// nanoseconds, so lexicographic and chronological order agree; when the clock
// has not advanced past latest the id is latest+1.
func NextID(latest string, now time.Time) string {
	candidate := formatID(now.UnixNano())
	if latest == "" || candidate > latest {
		return candidate
	}
	n, err := strconv.ParseInt(latest, 10, 64)
	if err != nil || len(latest) != idWidth {
		return latest + "." + candidate
	}
	return formatID(n + 1)
}

func formatID(n int64) string {
	return fmt.Sprintf("%0*d", idWidth, n)
}
