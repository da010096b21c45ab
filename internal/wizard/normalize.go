package wizard

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	isoDate = regexp.MustCompile(`^(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})$`)
	dmyDate = regexp.MustCompile(`^(\d{1,2})[-/.](\d{1,2})[-/.](\d{4})$`)
)

// NormalizeDate rewrites common date spellings as DD/MM/YYYY, the format
// the portal's date inputs accept. A day/month pair that only makes sense
// swapped (month above 12) is read as MM/DD. Unrecognized input is
// returned trimmed but otherwise unchanged.
func NormalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if m := isoDate.FindStringSubmatch(raw); m != nil {
		return formatDMY(m[3], m[2], m[1])
	}
	if m := dmyDate.FindStringSubmatch(raw); m != nil {
		day, month := m[1], m[2]
		if atoi(month) > 12 && atoi(day) <= 12 {
			day, month = month, day
		}
		return formatDMY(day, month, m[3])
	}
	return raw
}

func formatDMY(day, month, year string) string {
	return fmt.Sprintf("%02d/%02d/%s", atoi(day), atoi(month), year)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// NormalizeDialCode returns code with a single leading "+". An
// international "00" prefix is rewritten. Empty input stays empty.
func NormalizeDialCode(code string) string {
	code = strings.Join(strings.Fields(code), "")
	switch {
	case code == "":
		return ""
	case strings.HasPrefix(code, "+"):
		return "+" + strings.TrimLeft(code, "+")
	case strings.HasPrefix(code, "00"):
		return "+" + code[2:]
	default:
		return "+" + code
	}
}

// SlotIndex picks the slot a subject takes from count available slots.
// Subjects with different ordinals spread across slots so concurrent
// sessions do not all race for the first one. It returns -1 when count is
// not positive.
func SlotIndex(ordinal, count int) int {
	if count <= 0 {
		return -1
	}
	idx := ordinal % count
	if idx < 0 {
		idx += count
	}
	return idx
}
