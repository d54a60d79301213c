package reconcile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// JSONLSource reads payment records from a newline-delimited JSON stream,
// one record per line. Blank lines are skipped.
type JSONLSource struct {
	scanner *bufio.Scanner
	closer  io.Closer
	line    int
}

// NewJSONLSource wraps an open reader.
func NewJSONLSource(reader io.Reader) *JSONLSource {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &JSONLSource{scanner: scanner}
}

// OpenJSONLFile opens path as a record source. Close releases the file.
func OpenJSONLFile(path string) (*JSONLSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	source := NewJSONLSource(file)
	source.closer = file
	return source, nil
}

func (source *JSONLSource) Next(ctx context.Context) (PaymentRecord, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return PaymentRecord{}, false, err
		}
		if !source.scanner.Scan() {
			if err := source.scanner.Err(); err != nil {
				return PaymentRecord{}, false, err
			}
			return PaymentRecord{}, false, nil
		}
		source.line++
		text := strings.TrimSpace(source.scanner.Text())
		if text == "" {
			continue
		}
		var record PaymentRecord
		if err := json.Unmarshal([]byte(text), &record); err != nil {
			return PaymentRecord{}, false, fmt.Errorf("line %d: %w", source.line, err)
		}
		return record, true, nil
	}
}

// Close releases the underlying file when the source was opened from a path.
func (source *JSONLSource) Close() error {
	if source.closer == nil {
		return nil
	}
	return source.closer.Close()
}
