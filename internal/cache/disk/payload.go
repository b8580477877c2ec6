package disk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/menchan-Rub/quantum-netcache/internal/cache"
	"github.com/menchan-Rub/quantum-netcache/internal/codec"
)

// Payload file format, by entry type:
//
//	resource           raw body bytes, verbatim
//	response           one JSON header line, '\n', raw body bytes
//	header             one JSON header line
//	push-promise       one JSON header line
//	transport-session  one JSON session line, '\n', raw ticket bytes
//
// The response status code travels as a ":status" pseudo-header on the
// header line. When the store codec is active, only the body segment is
// compressed; header lines stay readable.

const statusPseudoHeader = ":status"

type headerLine struct {
	Fields   []cache.HeaderField `json:"fields"`
	Referrer string              `json:"referrer,omitempty"`
}

type sessionLine struct {
	SessionID string `json:"sessionId"`
}

// encodePayload serializes an entry's payload, compressing body segments
// through c when set. The bool result reports whether c was applied.
func encodePayload(e cache.Entry, c codec.Codec) ([]byte, bool, error) {
	switch v := e.(type) {
	case *cache.Resource:
		return encodeBody(v.Data, c)

	case *cache.Response:
		fields := make([]cache.HeaderField, 0, len(v.Headers)+1)
		fields = append(fields, cache.HeaderField{
			Name:  statusPseudoHeader,
			Value: strconv.Itoa(v.StatusCode),
		})
		fields = append(fields, v.Headers...)
		line, err := json.Marshal(headerLine{Fields: fields})
		if err != nil {
			return nil, false, err
		}
		body, compressed, err := encodeBody(v.Body, c)
		if err != nil {
			return nil, false, err
		}
		out := make([]byte, 0, len(line)+1+len(body))
		out = append(out, line...)
		out = append(out, '\n')
		out = append(out, body...)
		return out, compressed, nil

	case *cache.Header:
		line, err := json.Marshal(headerLine{Fields: v.Fields})
		return line, false, err

	case *cache.PushPromise:
		line, err := json.Marshal(headerLine{Fields: v.Fields, Referrer: v.Referrer})
		return line, false, err

	case *cache.TransportSession:
		line, err := json.Marshal(sessionLine{SessionID: v.SessionID})
		if err != nil {
			return nil, false, err
		}
		ticket, compressed, err := encodeBody(v.Ticket, c)
		if err != nil {
			return nil, false, err
		}
		out := make([]byte, 0, len(line)+1+len(ticket))
		out = append(out, line...)
		out = append(out, '\n')
		out = append(out, ticket...)
		return out, compressed, nil
	}
	return nil, false, fmt.Errorf("unknown entry type %v", e.Type())
}

func encodeBody(body []byte, c codec.Codec) ([]byte, bool, error) {
	if c == nil || len(body) == 0 {
		return body, false, nil
	}
	out, err := c.Encode(body)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// decodePayload reconstructs a typed entry from an index record and the raw
// file contents.
func decodePayload(ie *indexEntry, data []byte, c codec.Codec) (cache.Entry, error) {
	meta := ie.meta()
	// Body segments are decompressed below; the returned entry carries the
	// raw form.
	meta.Compressed = false

	switch cache.EntryType(ie.EntryType) {
	case cache.TypeResource:
		body, err := decodeBody(data, ie.Compressed, c)
		if err != nil {
			return nil, err
		}
		return &cache.Resource{
			Metadata:        meta,
			ContentType:     ie.ContentType,
			ContentEncoding: ie.ContentEncoding,
			Data:            body,
		}, nil

	case cache.TypeResponse:
		line, rest, err := splitHeaderLine(data)
		if err != nil {
			return nil, err
		}
		var head headerLine
		if err := json.Unmarshal(line, &head); err != nil {
			return nil, fmt.Errorf("parse header line: %w", err)
		}
		status := 0
		fields := make([]cache.HeaderField, 0, len(head.Fields))
		for _, f := range head.Fields {
			if f.Name == statusPseudoHeader {
				status, _ = strconv.Atoi(f.Value)
				continue
			}
			fields = append(fields, f)
		}
		body, err := decodeBody(rest, ie.Compressed, c)
		if err != nil {
			return nil, err
		}
		return &cache.Response{
			Metadata:   meta,
			StatusCode: status,
			Headers:    fields,
			Body:       body,
		}, nil

	case cache.TypeHeader:
		var head headerLine
		if err := json.Unmarshal(data, &head); err != nil {
			return nil, fmt.Errorf("parse header line: %w", err)
		}
		return &cache.Header{Metadata: meta, Fields: head.Fields}, nil

	case cache.TypePushPromise:
		var head headerLine
		if err := json.Unmarshal(data, &head); err != nil {
			return nil, fmt.Errorf("parse header line: %w", err)
		}
		return &cache.PushPromise{Metadata: meta, Fields: head.Fields, Referrer: head.Referrer}, nil

	case cache.TypeTransportSession:
		line, rest, err := splitHeaderLine(data)
		if err != nil {
			return nil, err
		}
		var sess sessionLine
		if err := json.Unmarshal(line, &sess); err != nil {
			return nil, fmt.Errorf("parse session line: %w", err)
		}
		ticket, err := decodeBody(rest, ie.Compressed, c)
		if err != nil {
			return nil, err
		}
		return &cache.TransportSession{Metadata: meta, SessionID: sess.SessionID, Ticket: ticket}, nil
	}
	return nil, fmt.Errorf("unknown entry type %d", ie.EntryType)
}

func decodeBody(body []byte, compressed bool, c codec.Codec) ([]byte, error) {
	if !compressed || len(body) == 0 {
		return body, nil
	}
	if c == nil {
		return nil, fmt.Errorf("compressed payload but no codec configured")
	}
	return c.Decode(body)
}

// splitHeaderLine cuts the file contents at the first newline: everything
// before is the JSON line, everything after is the body verbatim.
func splitHeaderLine(data []byte) (line, rest []byte, err error) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return nil, nil, fmt.Errorf("payload missing header line terminator")
	}
	return data[:i], data[i+1:], nil
}
