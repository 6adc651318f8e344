package versioning

import (
	"fmt"
	"strings"
)

// DefaultDiffMaxLines bounds each side of a line diff.
const DefaultDiffMaxLines = 4000

// TruncationNotice is the only segment text returned when an input is too large to diff.
const TruncationNotice = "Diff unavailable: document is too large to compare line by line."

type Op string

const (
	OpEqual  Op = "equal"
	OpInsert Op = "insert"
	OpDelete Op = "delete"
)

// Segment is a run of consecutive lines sharing one classification, newline-joined.
type Segment struct {
	Op   Op     `json:"op"`
	Text string `json:"text"`
}

// ComputeLineDiff returns the line edit script turning base into target.
// maxLines <= 0 selects DefaultDiffMaxLines.
func ComputeLineDiff(base, target string, maxLines int) []Segment {
	if maxLines <= 0 {
		maxLines = DefaultDiffMaxLines
	}
	a := strings.Split(base, "\n")
	b := strings.Split(target, "\n")
	if len(a) > maxLines || len(b) > maxLines {
		return []Segment{{Op: OpEqual, Text: TruncationNotice}}
	}

	n, m := len(a), len(b)
	width := m + 1
	// dp[i*width+j] is the LCS length of a[i:] and b[j:].
	dp := make([]int32, (n+1)*width)
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i*width+j] = dp[(i+1)*width+j+1] + 1
				continue
			}
			down, right := dp[(i+1)*width+j], dp[i*width+j+1]
			if down >= right {
				dp[i*width+j] = down
			} else {
				dp[i*width+j] = right
			}
		}
	}

	builder := segmentBuilder{}
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			builder.add(OpEqual, a[i])
			i++
			j++
		case dp[(i+1)*width+j] >= dp[i*width+j+1]:
			builder.add(OpDelete, a[i])
			i++
		default:
			builder.add(OpInsert, b[j])
			j++
		}
	}
	for ; i < n; i++ {
		builder.add(OpDelete, a[i])
	}
	for ; j < m; j++ {
		builder.add(OpInsert, b[j])
	}
	return builder.segments()
}

// IsTruncated reports whether segments is the oversized-input placeholder.
func IsTruncated(segments []Segment) bool {
	return len(segments) == 1 && segments[0].Op == OpEqual && segments[0].Text == TruncationNotice
}

// ApplySegments replays segments over base and returns the target text.
// Equal and delete runs must match base line for line.
func ApplySegments(base string, segments []Segment) (string, error) {
	lines := strings.Split(base, "\n")
	out := make([]string, 0, len(lines))
	pos := 0
	for index, segment := range segments {
		segLines := strings.Split(segment.Text, "\n")
		switch segment.Op {
		case OpInsert:
			out = append(out, segLines...)
		case OpEqual, OpDelete:
			if pos+len(segLines) > len(lines) {
				return "", fmt.Errorf("segment %d: runs past end of base", index)
			}
			for k, line := range segLines {
				if lines[pos+k] != line {
					return "", fmt.Errorf("segment %d: base line %d does not match", index, pos+k+1)
				}
			}
			if segment.Op == OpEqual {
				out = append(out, segLines...)
			}
			pos += len(segLines)
		default:
			return "", fmt.Errorf("segment %d: unknown op %q", index, segment.Op)
		}
	}
	if pos != len(lines) {
		return "", fmt.Errorf("segments consume %d of %d base lines", pos, len(lines))
	}
	return strings.Join(out, "\n"), nil
}

type segmentBuilder struct {
	out   []Segment
	op    Op
	lines []string
}

func (b *segmentBuilder) add(op Op, line string) {
	if len(b.lines) > 0 && op != b.op {
		b.flush()
	}
	b.op = op
	b.lines = append(b.lines, line)
}

func (b *segmentBuilder) flush() {
	if len(b.lines) == 0 {
		return
	}
	b.out = append(b.out, Segment{Op: b.op, Text: strings.Join(b.lines, "\n")})
	b.lines = b.lines[:0]
}

func (b *segmentBuilder) segments() []Segment {
	b.flush()
	if b.out == nil {
		return []Segment{}
	}
	return b.out
}
