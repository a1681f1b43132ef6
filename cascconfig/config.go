// Package cascconfig parses the two text manifest dialects CASC uses:
// line-oriented "key = value" files (build-config, cdn-config) and
// "!Header1|Header2|..." tabular files (build-info). Each dialect has
// its own parser. Both skip lines whose first non-blank character is
// "#"; a blank line starts a new record in a key-value file and is
// ignored in a tabular file.
package cascconfig

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMissingKey is returned by KeyValue.Require when a mandatory key
// isn't present in the parsed record.
var ErrMissingKey = errors.New("cascconfig: missing required key")

// KeyValue is one record of a key-value manifest. Blank lines in the
// source start a new record, so a single file can yield more than one
// KeyValue (though build-config/cdn-config files in practice contain
// exactly one).
type KeyValue map[string]string

// Require returns the value for key, or ErrMissingKey if absent.
func (kv KeyValue) Require(key string) (string, error) {
	v, ok := kv[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrMissingKey, key)
	}
	return v, nil
}

// First returns the space-separated first field of a key's value, the
// convention build-config uses for "hash1 hash2" pairs (e.g.
// "encoding" maps to "contentHash encodedHash").
func (kv KeyValue) First(key string) (string, error) {
	v, err := kv.Require(key)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: %q is empty", ErrMissingKey, key)
	}
	return fields[0], nil
}

// Pair returns both space-separated fields of a key's value.
func (kv KeyValue) Pair(key string) (string, string, error) {
	v, err := kv.Require(key)
	if err != nil {
		return "", "", err
	}
	fields := strings.Fields(v)
	if len(fields) < 2 {
		return "", "", fmt.Errorf("cascconfig: key %q does not have two fields: %q", key, v)
	}
	return fields[0], fields[1], nil
}

// ParseKeyValue parses a "key = value" manifest, returning one record
// per blank-line-delimited section. "#" introduces a comment anywhere
// it's the first non-whitespace character on a line.
func ParseKeyValue(r io.Reader) ([]KeyValue, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var records []KeyValue
	cur := KeyValue{}
	flush := func() {
		if len(cur) > 0 {
			records = append(records, cur)
			cur = KeyValue{}
		}
	}
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, fmt.Errorf("cascconfig: malformed key-value line %q", line)
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		cur[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cascconfig: reading key-value manifest: %w", err)
	}
	flush()
	return records, nil
}

// TabularRow is one data row of a tabular manifest, keyed by header
// name (the "!Type" annotation is stripped, only the name is kept).
type TabularRow map[string]string

// ParseTabular parses a "!Header1|Header2!type|..." manifest: the
// first non-comment line declares column names (optionally annotated
// with "!type" suffixes, which are discarded), subsequent "|"-
// separated lines are data rows.
func ParseTabular(r io.Reader) ([]TabularRow, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var headers []string
	var rows []TabularRow
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		if headers == nil {
			if !strings.HasPrefix(trimmed, "!") {
				return nil, fmt.Errorf("cascconfig: tabular header must start with '!': %q", line)
			}
			for _, col := range strings.Split(trimmed[1:], "|") {
				headers = append(headers, headerName(col))
			}
			continue
		}
		fields := strings.Split(line, "|")
		row := make(TabularRow, len(headers))
		for i, h := range headers {
			if i < len(fields) {
				row[h] = strings.TrimSpace(fields[i])
			} else {
				row[h] = ""
			}
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cascconfig: reading tabular manifest: %w", err)
	}
	if headers == nil {
		return nil, errors.New("cascconfig: tabular manifest has no header line")
	}
	return rows, nil
}

// headerName strips a trailing "!type" annotation from a tabular
// header column (e.g. "BuildId!DEC:4" -> "BuildId").
func headerName(col string) string {
	if i := strings.Index(col, "!"); i >= 0 {
		return strings.TrimSpace(col[:i])
	}
	return strings.TrimSpace(col)
}

// Require returns a row's value for key, or ErrMissingKey if absent.
func (r TabularRow) Require(key string) (string, error) {
	v, ok := r[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrMissingKey, key)
	}
	return v, nil
}
