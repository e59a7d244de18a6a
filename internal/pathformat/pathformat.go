// Package pathformat compiles the remote file path template used to name
// uploaded clips. Templates mix literal text with {symbol} substitutions;
// the two timestamp symbols accept a trailing strftime pattern, rendered in
// the NVR's timezone.
package pathformat

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultTemplate is the path layout used when no template is configured.
const DefaultTemplate = "{camera_name}/{event.start:%Y-%m-%d}/{event.end:%Y-%m-%dT%H-%M-%S} {detection_type}.mp4"

// Data carries the per-event values substituted into a template. Start and
// End are rendered in Loc; a nil Loc means UTC.
type Data struct {
	EventID       string
	CameraName    string
	DetectionType string
	Start         time.Time
	End           time.Time
	Loc           *time.Location
}

type segment struct {
	literal string
	render  func(Data) string
}

// Template is a compiled path template. Compile once at startup; Format is
// cheap and safe for concurrent use.
type Template struct {
	source   string
	segments []segment
}

// unsafeChars matches everything stripped from the final path. Mirrors the
// transfer tool's tolerance for remote names: word characters, dash, dot,
// parentheses, spaces and the path separator survive.
var unsafeChars = regexp.MustCompile(`[^\w\-.() /]`)

// strftime directive to Go layout. Directives missing here are rejected at
// compile time.
var strftimeLayouts = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'e': "_2",
	'j': "002",
	'H': "15",
	'I': "03",
	'M': "04",
	'S': "05",
	'p': "PM",
	'a': "Mon",
	'A': "Monday",
	'b': "Jan",
	'B': "January",
	'Z': "MST",
	'z': "-0700",
}

// defaultTimeLayout renders timestamp symbols that carry no strftime
// pattern.
const defaultTimeLayout = "2006-01-02 15:04:05-07:00"

// Compile parses and validates a template. Unknown symbols, strftime
// patterns on non-timestamp symbols and unsupported strftime directives are
// all reported as errors so that misconfiguration is caught at startup.
func Compile(template string) (*Template, error) {
	t := &Template{source: template}
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if rest != "" {
				t.segments = append(t.segments, segment{literal: rest})
			}
			break
		}
		if open > 0 {
			t.segments = append(t.segments, segment{literal: rest[:open]})
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return nil, fmt.Errorf("unterminated symbol at %q", rest[open:])
		}
		body := rest[open+1 : open+closing]
		seg, err := compileSymbol(body)
		if err != nil {
			return nil, err
		}
		t.segments = append(t.segments, seg)
		rest = rest[open+closing+1:]
	}
	return t, nil
}

func compileSymbol(body string) (segment, error) {
	name := body
	format := ""
	hasFormat := false
	if idx := strings.IndexByte(body, ':'); idx >= 0 {
		name = body[:idx]
		format = body[idx+1:]
		hasFormat = true
	}

	switch name {
	case "event.start", "event.end":
		layout := defaultTimeLayout
		if hasFormat {
			var err error
			layout, err = strftimeToLayout(format)
			if err != nil {
				return segment{}, fmt.Errorf("symbol {%s}: %w", body, err)
			}
		}
		start := name == "event.start"
		return segment{render: func(d Data) string {
			ts := d.End
			if start {
				ts = d.Start
			}
			loc := d.Loc
			if loc == nil {
				loc = time.UTC
			}
			return ts.In(loc).Format(layout)
		}}, nil
	case "event.id":
		if hasFormat {
			return segment{}, fmt.Errorf("symbol {%s}: %q takes no format", body, name)
		}
		return segment{render: func(d Data) string { return d.EventID }}, nil
	case "camera_name":
		if hasFormat {
			return segment{}, fmt.Errorf("symbol {%s}: %q takes no format", body, name)
		}
		return segment{render: func(d Data) string { return d.CameraName }}, nil
	case "detection_type":
		if hasFormat {
			return segment{}, fmt.Errorf("symbol {%s}: %q takes no format", body, name)
		}
		return segment{render: func(d Data) string { return d.DetectionType }}, nil
	case "duration_seconds":
		if hasFormat {
			return segment{}, fmt.Errorf("symbol {%s}: %q takes no format", body, name)
		}
		return segment{render: func(d Data) string {
			return fmt.Sprintf("%d", int(d.End.Sub(d.Start).Round(time.Second).Seconds()))
		}}, nil
	default:
		return segment{}, fmt.Errorf("unknown symbol {%s}", body)
	}
}

// strftimeToLayout converts a strftime pattern into a Go time layout.
func strftimeToLayout(pattern string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(pattern) {
			return "", fmt.Errorf("trailing %% in strftime pattern %q", pattern)
		}
		if pattern[i] == '%' {
			b.WriteByte('%')
			continue
		}
		layout, ok := strftimeLayouts[pattern[i]]
		if !ok {
			return "", fmt.Errorf("unsupported strftime directive %%%c in %q", pattern[i], pattern)
		}
		b.WriteString(layout)
	}
	return b.String(), nil
}

// Format renders the template for one event and sanitizes the result.
func (t *Template) Format(d Data) string {
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.render != nil {
			b.WriteString(seg.render(d))
		} else {
			b.WriteString(seg.literal)
		}
	}
	return unsafeChars.ReplaceAllString(b.String(), "")
}

// Source returns the original template text.
func (t *Template) Source() string {
	return t.source
}
