// Package tle loads two-line element sets for the tracked fleet.
package tle

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kyjohnso/hilbert-sats/core"
	"github.com/kyjohnso/hilbert-sats/model"
)

// ErrMalformed marks an element set that could not be parsed.
var ErrMalformed = errors.New("malformed element set")

// Parse reads element sets in the CelesTrak "FORMAT=tle" layout: an optional
// title line followed by line 1 and line 2. Malformed sets are skipped and
// reported in the returned error slice; err is only set for read failures.
func Parse(r io.Reader) (sats []model.Satellite, skipped []error, err error) {
	sc := bufio.NewScanner(r)
	var title string
	var line1 string
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), " \r\t")
		if strings.TrimSpace(line) == "" {
			continue
		}

		switch {
		case line1 == "" && isElementLine(line, '1'):
			line1 = line
		case line1 != "" && isElementLine(line, '2'):
			sat, perr := parseSet(title, line1, line)
			if perr != nil {
				skipped = append(skipped, fmt.Errorf("line %d: %w", lineNo, perr))
			} else {
				sats = append(sats, sat)
			}
			title, line1 = "", ""
		case line1 != "":
			skipped = append(skipped, fmt.Errorf("line %d: %w: expected line 2 after %q", lineNo, ErrMalformed, line1))
			title, line1 = strings.TrimSpace(line), ""
		default:
			title = strings.TrimSpace(line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("read element sets: %w", err)
	}
	if line1 != "" {
		skipped = append(skipped, fmt.Errorf("line %d: %w: missing line 2", lineNo, ErrMalformed))
	}
	return sats, skipped, nil
}

func isElementLine(line string, n byte) bool {
	return len(line) >= 2 && line[0] == n && line[1] == ' '
}

func parseSet(title, line1, line2 string) (model.Satellite, error) {
	if err := core.CheckElementSet(line1, line2); err != nil {
		return model.Satellite{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	num1 := strings.TrimSpace(line1[2:7])
	num2 := strings.TrimSpace(line2[2:7])
	if num1 != num2 {
		return model.Satellite{}, fmt.Errorf("%w: catalog numbers %q and %q differ", ErrMalformed, num1, num2)
	}
	satnum, err := strconv.Atoi(num1)
	if err != nil {
		return model.Satellite{}, fmt.Errorf("%w: catalog number %q: %v", ErrMalformed, num1, err)
	}
	name := strings.TrimPrefix(title, "0 ")
	if name == "" {
		name = num1
	}
	return model.Satellite{SatNum: satnum, Name: name, Line1: line1, Line2: line2}, nil
}
