package saga

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Notification texts render values the way the order clients already parse
// them: lists as ['a', 'b'], totals with a decimal point and timestamps as
// "2006-01-02 15:04:05[.ffffff]".

func formatItems(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = quoteItem(item)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// quoteItem single-quotes s, switching to double quotes when s contains a
// single quote and no double quote.
func quoteItem(s string) string {
	if strings.Contains(s, "'") && !strings.Contains(s, `"`) {
		return `"` + strings.ReplaceAll(s, `\`, `\\`) + `"`
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}

func formatAmount(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func formatTime(t time.Time) string {
	t = t.UTC()
	s := t.Format("2006-01-02 15:04:05")
	if us := t.Nanosecond() / 1000; us != 0 {
		s += fmt.Sprintf(".%06d", us)
	}
	return s
}
