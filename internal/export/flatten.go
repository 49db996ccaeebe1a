package export

import (
	"encoding/csv"
	"io"

	"github.com/dgnsrekt/pagetrawl/internal/types"
)

// Flatten turns records into a values matrix whose first row is the header.
// Without columns, the first record's columns are the header.
func Flatten(records []types.Record, columns []string) [][]string {
	if len(columns) == 0 && len(records) > 0 {
		columns = records[0].Columns()
	}
	if len(columns) == 0 {
		return nil
	}
	values := make([][]string, 0, len(records)+1)
	values = append(values, append([]string(nil), columns...))
	for _, r := range records {
		values = append(values, r.Project(columns))
	}
	return values
}

// WriteCSV writes the flattened records as CSV.
func WriteCSV(w io.Writer, records []types.Record, columns []string) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(Flatten(records, columns)); err != nil {
		return err
	}
	return cw.Error()
}
