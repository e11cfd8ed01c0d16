package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Marker prefixes every event record written by the shim.
const Marker = "DBG"

// Delim separates the fields of an event record. It is a sequence that
// normal statement text is very unlikely to contain; ParseEvent still
// survives a literal occurrence inside the statement field by anchoring
// on the first and last matches of the fixed-arity record.
const Delim = "!!!"

// frameSep joins individual caller frames inside the frames field.
const frameSep = "|"

var (
	ErrBadRecord      = errors.New("wire: malformed event record")
	ErrBadInstruction = errors.New("wire: malformed instruction")
)

// Frame is one entry of the caller stack snapshot carried by a LineEvent,
// outermost first.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// LineEvent is reported by the shim exactly once per statement boundary,
// before the statement executes.
type LineEvent struct {
	Frames     []Frame `json:"frames"`
	Statement  string  `json:"statement"`
	LocalCount int     `json:"localCount"`
	Depth      int     `json:"depth"`
}

// Location returns the innermost frame, i.e. where execution currently is.
func (ev LineEvent) Location() Frame {
	if len(ev.Frames) == 0 {
		return Frame{}
	}
	return ev.Frames[len(ev.Frames)-1]
}

// EncodeEvent renders ev as one wire record, without a trailing newline:
//
//	DBG <frames>!!!<statement>!!!<localCount>!!!<depth>
func EncodeEvent(ev LineEvent) string {
	frames := make([]string, len(ev.Frames))
	for i, f := range ev.Frames {
		frames[i] = fmt.Sprintf("%d %s %s", f.Line, f.Function, f.File)
	}
	return Marker + " " + strings.Join(frames, frameSep) +
		Delim + ev.Statement +
		Delim + strconv.Itoa(ev.LocalCount) +
		Delim + strconv.Itoa(ev.Depth)
}

// ParseEvent decodes one event record. Field boundaries are the first
// delimiter match (end of the frames field) and the last two matches
// (local count and depth), so a delimiter appearing literally inside the
// statement text does not break the record.
func ParseEvent(line string) (LineEvent, error) {
	body, ok := strings.CutPrefix(line, Marker+" ")
	if !ok {
		return LineEvent{}, fmt.Errorf("%w: missing %q marker", ErrBadRecord, Marker)
	}

	first := strings.Index(body, Delim)
	if first < 0 {
		return LineEvent{}, fmt.Errorf("%w: no field delimiter", ErrBadRecord)
	}
	framesField := body[:first]
	rest := body[first+len(Delim):]

	last := strings.LastIndex(rest, Delim)
	if last < 0 {
		return LineEvent{}, fmt.Errorf("%w: missing depth field", ErrBadRecord)
	}
	depthField := rest[last+len(Delim):]
	rest = rest[:last]

	last = strings.LastIndex(rest, Delim)
	if last < 0 {
		return LineEvent{}, fmt.Errorf("%w: missing local count field", ErrBadRecord)
	}
	localField := rest[last+len(Delim):]
	statement := rest[:last]

	depth, err := strconv.Atoi(strings.TrimSpace(depthField))
	if err != nil {
		return LineEvent{}, fmt.Errorf("%w: depth %q", ErrBadRecord, depthField)
	}
	localCount, err := strconv.Atoi(strings.TrimSpace(localField))
	if err != nil {
		return LineEvent{}, fmt.Errorf("%w: local count %q", ErrBadRecord, localField)
	}

	frames, err := parseFrames(framesField)
	if err != nil {
		return LineEvent{}, err
	}

	return LineEvent{
		Frames:     frames,
		Statement:  strings.TrimSpace(statement),
		LocalCount: localCount,
		Depth:      depth,
	}, nil
}

// parseFrames decodes "<line> <func> <file>" entries joined by frameSep.
// The layout matches the output of bash's caller builtin, so file names
// containing spaces survive (only the first two fields are positional).
func parseFrames(field string) ([]Frame, error) {
	if field == "" {
		return nil, nil
	}
	parts := strings.Split(field, frameSep)
	frames := make([]Frame, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		fields := strings.SplitN(p, " ", 3)
		if len(fields) < 3 {
			return nil, fmt.Errorf("%w: frame %q", ErrBadRecord, p)
		}
		line, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: frame line %q", ErrBadRecord, fields[0])
		}
		frames = append(frames, Frame{
			File:     fields[2],
			Line:     line,
			Function: fields[1],
		})
	}
	return frames, nil
}
