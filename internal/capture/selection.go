package capture

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Selection is the parsed form of a session selection string such as
// "dshow://:vdev=USB Camera:adev=Line In:caching=300".
type Selection struct {
	Scheme string
	// Video and Audio name the devices to bind. Empty selects the first
	// available device of that kind.
	Video string
	Audio string
	// Caching is the presentation delay requested for the session.
	Caching time.Duration
}

// ParseSelection parses a ':'-delimited selection string. A leading segment
// without '=' is taken as the scheme. Unknown keys are logged and ignored.
// If log is nil, slog.Default() is used.
func ParseSelection(s string, log *slog.Logger) (Selection, error) {
	if log == nil {
		log = slog.Default()
	}
	var sel Selection

	if i := strings.Index(s, "://"); i >= 0 && !strings.Contains(s[:i], "=") {
		sel.Scheme, s = s[:i], s[i+3:]
	}

	for i, part := range strings.Split(s, ":") {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			if i == 0 && sel.Scheme == "" {
				sel.Scheme = part
				continue
			}
			log.Warn("ignoring malformed selection option", "option", part)
			continue
		}

		switch key {
		case "vdev":
			sel.Video = value
		case "adev":
			sel.Audio = value
		case "caching":
			ms, err := strconv.Atoi(value)
			if err != nil || ms < 0 {
				return Selection{}, fmt.Errorf("capture: invalid caching value %q", value)
			}
			sel.Caching = time.Duration(ms) * time.Millisecond
		default:
			log.Warn("unknown selection option", "key", key)
		}
	}
	return sel, nil
}

func (s Selection) String() string {
	var b strings.Builder
	if s.Scheme != "" {
		b.WriteString(s.Scheme)
		b.WriteString("://")
	}
	fmt.Fprintf(&b, ":vdev=%s:adev=%s", s.Video, s.Audio)
	if s.Caching > 0 {
		fmt.Fprintf(&b, ":caching=%d", s.Caching.Milliseconds())
	}
	return b.String()
}
