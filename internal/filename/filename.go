// Package filename parses and formats the source file naming convention
// "{schema}-{table}-{start}-{end}.{parquet|empty}".
package filename

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/ignite/parquet-sync/internal/synerrors"
)

// Ext identifies the trailing extension of a source file name.
type Ext string

const (
	ExtParquet Ext = "parquet"
	ExtEmpty   Ext = "empty"
)

// nameRE mirrors the reference regex bit-exactly: the two middle fields are
// greedy but separated by literal hyphens, so schema/table names containing
// hyphens still parse the way the reference implementation does.
var nameRE = regexp.MustCompile(`^(.+)-(.+)-(\d+)-(\d+)\.(parquet|empty)$`)

// Name is the parsed identity of one source file.
type Name struct {
	Schema string
	Table  string
	Start  int64
	End    int64
	Ext    Ext
}

// IsFull reports whether this name identifies a full baseline (start == 0).
func (n Name) IsFull() bool {
	return n.Start == 0
}

// Parse decodes a file name into its Name components. It returns a
// *synerrors.MalformedNameError when the name does not match the reference
// pattern.
func Parse(name string) (Name, error) {
	m := nameRE.FindStringSubmatch(name)
	if m == nil {
		return Name{}, &synerrors.MalformedNameError{Name: name}
	}

	start, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return Name{}, &synerrors.MalformedNameError{Name: name}
	}
	end, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil {
		return Name{}, &synerrors.MalformedNameError{Name: name}
	}

	return Name{
		Schema: m[1],
		Table:  m[2],
		Start:  start,
		End:    end,
		Ext:    Ext(m[5]),
	}, nil
}

// Format is the inverse of Parse: Format(n) round-trips through Parse for
// every legal Name.
func Format(n Name) string {
	return fmt.Sprintf("%s-%s-%d-%d.%s", n.Schema, n.Table, n.Start, n.End, n.Ext)
}
