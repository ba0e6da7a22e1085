// Package parse implements the streaming parser (C5): an event-driven XML
// tag walker and a line-oriented CSV reader, both batch-sink driven.
package parse

import (
	"context"
	"encoding/xml"
	"io"
	"strings"

	"github.com/atlanteq/registryingest/internal/ingest/ingesterr"
	"github.com/atlanteq/registryingest/internal/ingest/model"
)

// Sink receives completed batches. The parser calls it synchronously and
// blocks on its return — this is the backpressure mechanism: the producer
// (this parser) is paused for as long as the sink (ultimately gated by the
// upsert pool's bounded batch channel) takes to accept the batch, with no
// polling.
type Sink func(ctx context.Context, batch []model.RawRecord) error

// ParseXML walks r as a token stream (no DOM materialization), starting a
// record at recordPath and emitting it when the matching end tag closes.
// repeatedTags names child tags that accumulate into a list rather than
// overwriting a scalar field. On a mid-file parse error the function first
// flushes the partial batch to sink, then returns the count parsed so far
// and a non-nil err, letting the caller demote it to a warning and record a
// partial-success status.
//
// r is expected to be UTF-8 already (the decode stage has converted it), so
// an encoding named in the XML prolog is accepted and not applied a second
// time.
func ParseXML(ctx context.Context, r io.Reader, recordPath string, repeatedTags map[string]bool, batchSize int, sink Sink) (int, error) {
	segments := strings.Split(recordPath, ".")
	dec := xml.NewDecoder(r)
	dec.Strict = false // tolerate minor malformed markup rather than aborting outright
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil // already decoded upstream
	}

	var (
		stack      []string
		cur        model.RawRecord
		curList    map[string][]model.RawRecord // repeated-child accumulation inside cur
		curNested  []model.NameText
		textBuf    strings.Builder
		curAttrName string
		inRecord   bool
		batch      []model.RawRecord
		parsed     int
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

	matchesRecordPath := func() bool {
		if len(stack) < len(segments) {
			return false
		}
		tail := stack[len(stack)-len(segments):]
		for i, s := range segments {
			if tail[i] != s {
				return false
			}
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return parsed, ctx.Err()
		default:
		}

		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Mid-file parse error: flush whatever is already batched and
			// surface the partial count, per the design decision to keep
			// partial upserts rather than roll the registry back.
			flushErr := flush()
			if flushErr != nil {
				return parsed, flushErr
			}
			return parsed, ingesterr.New(ingesterr.KindConfig, "xml token stream aborted", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
			if !inRecord && matchesRecordPath() {
				inRecord = true
				cur = model.RawRecord{}
				curList = map[string][]model.RawRecord{}
				curNested = nil
			} else if inRecord {
				textBuf.Reset()
				for _, a := range t.Attr {
					if a.Name.Local == "name" {
						curAttrName = a.Value
					}
				}
			}
		case xml.CharData:
			if inRecord {
				textBuf.Write(t)
			}
		case xml.EndElement:
			name := t.Name.Local
			if inRecord && matchesRecordPath() && len(stack) == len(segments) {
				for k, v := range curList {
					// fold repeated-child lists into the record under their tag
					cur[k] = v
				}
				if len(curNested) > 0 {
					cur["item"] = curNested
				}
				batch = append(batch, cur)
				parsed++
				inRecord = false
				if len(batch) >= batchSize {
					if err := flush(); err != nil {
						return parsed, err
					}
				}
			} else if inRecord {
				text := strings.TrimSpace(textBuf.String())
				if name == "text" && curAttrName != "" {
					curNested = append(curNested, model.NameText{Name: curAttrName, Text: text})
					curAttrName = ""
				} else if repeatedTags[name] {
					curList[name] = append(curList[name], model.RawRecord{"_text": text})
				} else {
					cur[name] = text
				}
			}
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if err := flush(); err != nil {
		return parsed, err
	}
	return parsed, nil
}
