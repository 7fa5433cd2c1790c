// Package requestline reads the head of a minimal HTTP/1.x request and
// parses its request line. Header lines are read but not interpreted.
package requestline

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// MaxLineBytes is the longest line ReadHead accepts, excluding the terminator.
	MaxLineBytes = 8 << 10
	// MaxLines is the most lines ReadHead accepts, including the request line.
	MaxLines = 100
)

var (
	// ErrMalformed is wrapped by every ParseError.
	ErrMalformed = errors.New("malformed request line")
	// ErrEmptyRequest is returned when the stream ends before a request line.
	ErrEmptyRequest = errors.New("empty request")
	// ErrLineTooLong is returned for lines longer than MaxLineBytes.
	ErrLineTooLong = errors.New("request line too long")
	// ErrTooManyLines is returned for heads with more than MaxLines lines.
	ErrTooManyLines = errors.New("too many header lines")
)

type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s %q: %s", ErrMalformed, e.Line, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrMalformed
}

type RequestLine struct {
	Method string
	Path   string
	// Rest holds the tokens after the path, usually just the protocol version.
	Rest []string
}

// ReadHead reads lines until an empty line or the end of the stream.
// Lines may be terminated by CRLF or LF; terminators are stripped.
// It returns at least one line on success.
func ReadHead(r *bufio.Reader) ([]string, error) {
	lines := make([]string, 0, 8)
	for {
		line, err := readLine(r)
		if err == io.EOF {
			if line != "" {
				lines = append(lines, line)
			}
			break
		}
		if err != nil {
			return lines, err
		}
		if line == "" {
			break
		}
		if len(lines) == MaxLines {
			return lines, ErrTooManyLines
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return lines, ErrEmptyRequest
	}
	return lines, nil
}

func readLine(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return b.String(), err
		}
		if b.Len()+len(chunk) > MaxLineBytes {
			return "", ErrLineTooLong
		}
		b.Write(chunk)
		if !isPrefix {
			return b.String(), nil
		}
	}
}

// Parse splits a request line on single spaces.
// The first token is the method and the second the path; both must be non-empty.
func Parse(line string) (RequestLine, error) {
	tokens := strings.Split(line, " ")
	if len(tokens) < 2 {
		return RequestLine{}, &ParseError{Line: line, Reason: "expected method and path"}
	}
	if tokens[0] == "" {
		return RequestLine{}, &ParseError{Line: line, Reason: "empty method"}
	}
	if tokens[1] == "" {
		return RequestLine{}, &ParseError{Line: line, Reason: "empty path"}
	}
	return RequestLine{
		Method: tokens[0],
		Path:   tokens[1],
		Rest:   tokens[2:],
	}, nil
}

// Read reads the request head from r and parses its first line.
func Read(r *bufio.Reader) (RequestLine, []string, error) {
	head, err := ReadHead(r)
	if err != nil {
		return RequestLine{}, head, err
	}
	rl, err := Parse(head[0])
	return rl, head, err
}
