// Package gtfscsv implements a streaming parser for GTFS tabular files.
// It yields one row at a time without materializing the whole file, honors
// quoted fields (doubled quotes, embedded delimiters and newlines), treats
// CRLF and LF as equivalent, and skips blank lines.
package gtfscsv

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const (
	delimiter = ','
	quote     = '"'
)

// Row is a single parsed record mapped against the file header.
type Row struct {
	header map[string]int
	fields []string
}

// Get returns the value for the named column. The second return value is
// false when the column is missing from the header, the row is short, or
// the value is empty. An empty field is semantically absent, which is
// distinct from the literal string "0".
func (r Row) Get(column string) (string, bool) {
	idx, ok := r.header[column]
	if !ok || idx >= len(r.fields) {
		return "", false
	}
	v := r.fields[idx]
	if v == "" {
		return "", false
	}
	return v, true
}

// GetDefault returns the value for the named column, or def when absent.
func (r Row) GetDefault(column, def string) string {
	if v, ok := r.Get(column); ok {
		return v
	}
	return def
}

// Len returns the number of fields in the row.
func (r Row) Len() int {
	return len(r.fields)
}

// Reader reads delimited rows from a byte stream. The sequence is lazy,
// finite and non-restartable.
type Reader struct {
	br     *bufio.Reader
	header map[string]int
	cols   []string
}

// NewReader creates a Reader and consumes the first record as the header.
// Column names are trimmed of surrounding whitespace and a UTF-8 BOM.
func NewReader(r io.Reader) (*Reader, error) {
	rd := &Reader{br: bufio.NewReaderSize(r, 64*1024)}
	fields, err := rd.readRecord()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("empty input: no header row")
		}
		return nil, fmt.Errorf("error reading header: %w", err)
	}
	rd.setHeader(fields)
	return rd, nil
}

// NewReaderWithHeader creates a Reader over a continuation chunk using a
// running header captured from the file's first chunk.
func NewReaderWithHeader(r io.Reader, header []string) *Reader {
	rd := &Reader{br: bufio.NewReaderSize(r, 64*1024)}
	rd.setHeader(header)
	return rd
}

func (rd *Reader) setHeader(fields []string) {
	cols := make([]string, len(fields))
	header := make(map[string]int, len(fields))
	for i, f := range fields {
		f = strings.TrimSpace(strings.TrimPrefix(f, "\ufeff"))
		cols[i] = f
		header[f] = i
	}
	rd.cols = cols
	rd.header = header
}

// Header returns the column names in file order.
func (rd *Reader) Header() []string {
	return rd.cols
}

// Read returns the next row, or io.EOF when the stream is exhausted.
func (rd *Reader) Read() (Row, error) {
	fields, err := rd.readRecord()
	if err != nil {
		return Row{}, err
	}
	return Row{header: rd.header, fields: fields}, nil
}

// readRecord parses one logical record, which may span multiple physical
// lines when a quoted field embeds a newline. Blank lines are skipped.
func (rd *Reader) readRecord() ([]string, error) {
	for {
		fields, blank, err := rd.parseRecord()
		if err != nil {
			return nil, err
		}
		if blank {
			continue
		}
		return fields, nil
	}
}

func (rd *Reader) parseRecord() (fields []string, blank bool, err error) {
	var field strings.Builder
	inQuotes := false
	sawAny := false

	for {
		b, err := rd.br.ReadByte()
		if err == io.EOF {
			if !sawAny {
				return nil, false, io.EOF
			}
			fields = append(fields, field.String())
			return fields, false, nil
		}
		if err != nil {
			return nil, false, err
		}

		if inQuotes {
			if b == quote {
				next, err := rd.br.ReadByte()
				if err == io.EOF {
					inQuotes = false
					continue
				}
				if err != nil {
					return nil, false, err
				}
				if next == quote {
					// Doubled quote embeds a literal quote character.
					field.WriteByte(quote)
					continue
				}
				if err := rd.br.UnreadByte(); err != nil {
					return nil, false, err
				}
				inQuotes = false
				continue
			}
			field.WriteByte(b)
			sawAny = true
			continue
		}

		switch b {
		case quote:
			inQuotes = true
			sawAny = true
		case delimiter:
			fields = append(fields, field.String())
			field.Reset()
			sawAny = true
		case '\r':
			// CRLF: swallow the CR, the LF terminates the record.
		case '\n':
			if !sawAny {
				return nil, true, nil
			}
			fields = append(fields, field.String())
			return fields, false, nil
		default:
			field.WriteByte(b)
			sawAny = true
		}
	}
}
