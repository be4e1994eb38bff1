package source

import (
	"fmt"
	"strings"
	"time"
)

// timestamp scans DATETIME values from any of the supported drivers.
// mysql and pgx hand back time.Time; sqlite may hand back text or unix seconds.
type timestamp time.Time

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (t *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = timestamp{}
		return nil
	case time.Time:
		*t = timestamp(v)
		return nil
	case int64:
		*t = timestamp(time.Unix(v, 0).UTC())
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("created_at: unsupported type %T", src)
	}
}

func (t *timestamp) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*t = timestamp{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			*t = timestamp(v)
			return nil
		}
	}
	return fmt.Errorf("created_at: cannot parse %q", s)
}
