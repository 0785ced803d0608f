package scheduler

import (
	"fmt"
	"strconv"
	"strings"
)

// Day of week expressions number days from Monday (0) to Sunday (6).
// Cron numbers them from Sunday (0), so expressions are rewritten before
// they reach the cron parser.
var weekdayNames = []string{"MON", "TUE", "WED", "THU", "FRI", "SAT", "SUN"}

const sunday = 6

// cronWeekday converts a Monday based day index to cron numbering
func cronWeekday(day int) int {
	return (day + 1) % 7
}

// cronDayOfWeek rewrites a normalized day of week expression into cron
// syntax. Accepted tokens, comma separated: *, */step, a day, a-b and
// a-b/step where a day is 0-6 or MON..SUN.
func cronDayOfWeek(expr string) (string, error) {
	tokens := strings.Split(expr, ",")
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		converted, err := convertWeekdayToken(token)
		if err != nil {
			return "", err
		}
		out = append(out, converted)
	}
	return strings.Join(out, ","), nil
}

func convertWeekdayToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty day in list")
	}
	if token == "*" {
		return token, nil
	}

	base, step := token, 1
	if i := strings.IndexByte(token, '/'); i >= 0 {
		n, err := strconv.Atoi(token[i+1:])
		if err != nil || n < 1 {
			return "", fmt.Errorf("invalid step in %q", token)
		}
		base, step = token[:i], n
	}

	var (
		first, last int
		named       bool
		err         error
	)
	switch {
	case base == "*":
		first, last = 0, sunday
	case strings.Contains(base, "-"):
		lo, hi, _ := strings.Cut(base, "-")
		var loNamed, hiNamed bool
		if first, loNamed, err = parseWeekday(lo); err != nil {
			return "", err
		}
		if last, hiNamed, err = parseWeekday(hi); err != nil {
			return "", err
		}
		if first > last {
			return "", fmt.Errorf("range %q ends before it starts", base)
		}
		named = loNamed && hiNamed
	default:
		if first, named, err = parseWeekday(base); err != nil {
			return "", err
		}
		last = first
		if step > 1 {
			last = sunday
		}
	}

	if first == last {
		if named {
			return weekdayNames[first], nil
		}
		return strconv.Itoa(cronWeekday(first)), nil
	}

	// Ranges that reach Sunday would wrap in cron numbering; expand them
	if step == 1 && last < sunday {
		if named {
			return weekdayNames[first] + "-" + weekdayNames[last], nil
		}
		return fmt.Sprintf("%d-%d", cronWeekday(first), cronWeekday(last)), nil
	}

	days := make([]string, 0, 7)
	for day := first; day <= last; day += step {
		days = append(days, strconv.Itoa(cronWeekday(day)))
	}
	return strings.Join(days, ","), nil
}

func parseWeekday(s string) (day int, named bool, err error) {
	for i, name := range weekdayNames {
		if s == name {
			return i, true, nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > sunday {
		return 0, false, fmt.Errorf("%q is not a day (0-6 or mon-sun)", s)
	}
	return n, false, nil
}
