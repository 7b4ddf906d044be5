package protoreg

import (
	"strings"

	"github.com/jhump/protoreflect/v2/protobuilder"
)

// comment turns a message, field or method doc into a leading comment.
// Text lines are indented by one space after the slashes; blank lines
// stay bare so the printer does not leave trailing spaces.
func comment(doc string) protobuilder.Comments {
	doc = strings.TrimRight(doc, " \n")
	if doc == "" {
		return protobuilder.Comments{}
	}
	var b strings.Builder
	for line := range strings.SplitSeq(doc, "\n") {
		if line = strings.TrimRight(line, " "); line != "" {
			b.WriteByte(' ')
			b.WriteString(line)
		}
		b.WriteByte('\n')
	}
	return protobuilder.Comments{LeadingComment: b.String()}
}
