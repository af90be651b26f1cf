// Package sse consumes text/event-stream responses.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"

	ginsse "github.com/gin-contrib/sse"
)

// Frame is one dispatched server-sent event.
type Frame struct {
	ID    string
	Event string
	Data  string
	Retry time.Duration
}

// maxFrameSize bounds a single event block.
const maxFrameSize = 1 << 20

// ReadFrames reads r until EOF or error, calling fn for every dispatched
// frame in stream order. Blocks are split on blank lines; each block is
// decoded with the gin-contrib/sse decoder. The returned error is nil on a
// clean EOF.
func ReadFrames(r io.Reader, fn func(Frame)) error {
	br := bufio.NewReaderSize(r, 4096)
	var block bytes.Buffer
	var retry time.Duration

	flush := func() error {
		if block.Len() == 0 && retry == 0 {
			return nil
		}
		events, err := ginsse.Decode(bytes.NewReader(block.Bytes()))
		block.Reset()
		if err != nil {
			return err
		}
		for _, ev := range events {
			f := Frame{ID: ev.Id, Event: ev.Event, Retry: retry}
			if s, ok := ev.Data.(string); ok {
				f.Data = s
			}
			fn(f)
		}
		if len(events) == 0 && retry > 0 {
			// Retry-only block: report it without an event name.
			fn(Frame{Retry: retry})
		}
		retry = 0
		return nil
	}

	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if ferr := flush(); ferr != nil {
					return ferr
				}
			case strings.HasPrefix(line, "retry:"):
				// The decoder files retry under the id field; handle it here.
				if ms, perr := strconv.ParseUint(strings.TrimSpace(line[len("retry:"):]), 10, 32); perr == nil {
					retry = time.Duration(ms) * time.Millisecond
				}
			default:
				if block.Len()+len(line) > maxFrameSize {
					return bufio.ErrTooLong
				}
				block.WriteString(line)
				block.WriteByte('\n')
			}
		}
		if err == io.EOF {
			// An unterminated trailing block is discarded, as browsers do.
			return nil
		}
		if err != nil {
			return err
		}
	}
}
