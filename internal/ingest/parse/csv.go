package parse

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/atlanteq/registryingest/internal/ingest/model"
)

// ParseCSV reads r line-by-line with quote handling (a double quote toggles
// "inside quotes"; a doubled quote inside quotes is a literal quote). Lines
// whose value count is less than half the header count are dropped as torn
// rows. If the header parses to a single column under delimiter, the
// alternate of ','<->';' is tried exactly once before giving up on
// delimiter detection.
//
// Hand-rolled over bufio rather than encoding/csv: encoding/csv hard-errors
// on a short row instead of allowing the torn-row-drop policy, and has no
// built-in delimiter-retry.
func ParseCSV(ctx context.Context, r io.Reader, delimiter rune, batchSize int, sink Sink) (int, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	headerLine, err := readLine(br)
	if err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, err
	}

	header := splitCSVLine(headerLine, delimiter)
	if len(header) == 1 {
		alt := alternateDelimiter(delimiter)
		if altHeader := splitCSVLine(headerLine, alt); len(altHeader) > 1 {
			delimiter = alt
			header = altHeader
		}
	}

	var (
		batch  []model.RawRecord
		parsed int
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := sink(ctx, batch); err != nil {
			return err
		}
		batch = nil
		return nil
	}

	minCols := (len(header) + 1) / 2 // torn row: fewer than 50% of header count

	for {
		select {
		case <-ctx.Done():
			return parsed, ctx.Err()
		default:
		}

		line, err := readLine(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			if ferr := flush(); ferr != nil {
				return parsed, ferr
			}
			return parsed, err
		}
		if line == "" {
			continue
		}

		fields := splitCSVLine(line, delimiter)
		if len(fields) < minCols {
			continue // torn row, dropped at parse time
		}

		rec := model.RawRecord{}
		for i, h := range header {
			if i < len(fields) {
				rec[h] = fields[i]
			} else {
				rec[h] = ""
			}
		}
		batch = append(batch, rec)
		parsed++

		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return parsed, err
			}
		}
	}

	if err := flush(); err != nil {
		return parsed, err
	}
	return parsed, nil
}

func alternateDelimiter(d rune) rune {
	if d == ',' {
		return ';'
	}
	return ','
}

// readLine reads one line, stripping a trailing CR, handling both LF and
// CRLF line endings, and a final line with no trailing newline.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	if err == io.EOF && line == "" {
		return "", io.EOF
	}
	line = strings.TrimRight(line, "\r\n")
	return line, nil
}

// splitCSVLine splits one line on delimiter with RFC4180-ish quote
// handling: a double quote toggles "inside quotes"; "" inside quotes is a
// literal quote character, not a field boundary.
func splitCSVLine(line string, delimiter rune) []string {
	var (
		fields    []string
		cur       strings.Builder
		inQuotes  bool
		runes     = []rune(line)
	)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '"':
			if inQuotes && i+1 < len(runes) && runes[i+1] == '"' {
				cur.WriteRune('"')
				i++
			} else {
				inQuotes = !inQuotes
			}
		case c == delimiter && !inQuotes:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	fields = append(fields, cur.String())
	return fields
}
