package resultstore

import (
	"bytes"
	"encoding/json"
	"sort"
)

// splitPayload splits data into chunks no larger than maxBytes.
//
//   - A top-level JSON array is split element-wise.
//   - A top-level JSON object with one or more array-valued fields (e.g.
//     {"leads": [...]}) is split by descending into those list field(s):
//     each chunk gets a contiguous slice of every list field's elements,
//     aligned by index, with the object's non-list fields duplicated onto
//     every chunk.
//   - Anything else is kept whole in a single chunk — a scalar value cannot
//     be split without losing meaning, so a payload that large must still
//     fit in one warehouse row.
func splitPayload(data json.RawMessage, maxBytes int) []json.RawMessage {
	if len(data) == 0 {
		return []json.RawMessage{json.RawMessage("null")}
	}
	if len(data) <= maxBytes {
		return []json.RawMessage{data}
	}

	if chunks, ok := splitJSONArray(data, maxBytes); ok {
		return chunks
	}
	if chunks, ok := splitObjectListFields(data, maxBytes); ok {
		return chunks
	}
	return []json.RawMessage{data}
}

func splitJSONArray(data json.RawMessage, maxBytes int) ([]json.RawMessage, bool) {
	if !isJSONArray(data) {
		return nil, false
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, false
	}

	var chunks []json.RawMessage
	var current []json.RawMessage
	currentSize := 2 // "[]"
	for _, elem := range elems {
		elemSize := len(elem) + 1
		if len(current) > 0 && currentSize+elemSize > maxBytes {
			chunks = append(chunks, marshalArray(current))
			current = nil
			currentSize = 2
		}
		current = append(current, elem)
		currentSize += elemSize
	}
	if len(current) > 0 || len(chunks) == 0 {
		chunks = append(chunks, marshalArray(current))
	}
	return chunks, true
}

// splitObjectListFields splits a JSON object by its array-valued fields,
// keeping every chunk's non-list fields identical to the original object.
func splitObjectListFields(data json.RawMessage, maxBytes int) ([]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, false
	}

	type listField struct {
		key   string
		elems []json.RawMessage
	}
	var lists []listField
	base := make(map[string]json.RawMessage, len(obj))
	for k, v := range obj {
		if isJSONArray(v) {
			var elems []json.RawMessage
			if err := json.Unmarshal(v, &elems); err == nil {
				lists = append(lists, listField{key: k, elems: elems})
				continue
			}
		}
		base[k] = v
	}
	if len(lists) == 0 {
		return nil, false
	}
	sort.Slice(lists, func(i, j int) bool { return lists[i].key < lists[j].key })

	rowCount := 0
	for _, lf := range lists {
		if len(lf.elems) > rowCount {
			rowCount = len(lf.elems)
		}
	}

	template := make(map[string]json.RawMessage, len(base)+len(lists))
	for k, v := range base {
		template[k] = v
	}
	for _, lf := range lists {
		template[lf.key] = json.RawMessage("[]")
	}
	baseBytes, err := json.Marshal(template)
	if err != nil {
		return nil, false
	}
	baseOverhead := len(baseBytes)

	buildChunk := func(lo, hi int) json.RawMessage {
		chunkObj := make(map[string]json.RawMessage, len(base)+len(lists))
		for k, v := range base {
			chunkObj[k] = v
		}
		for _, lf := range lists {
			end := hi
			if end > len(lf.elems) {
				end = len(lf.elems)
			}
			start := lo
			if start > end {
				start = end
			}
			chunkObj[lf.key] = marshalArray(lf.elems[start:end])
		}
		b, _ := json.Marshal(chunkObj)
		return json.RawMessage(b)
	}

	var chunks []json.RawMessage
	rowStart := 0
	currentRows := 0
	currentSize := baseOverhead
	for i := 0; i < rowCount; i++ {
		rowSize := 0
		for _, lf := range lists {
			if i < len(lf.elems) {
				rowSize += len(lf.elems[i]) + 1
			}
		}
		if currentRows > 0 && currentSize+rowSize > maxBytes {
			chunks = append(chunks, buildChunk(rowStart, i))
			rowStart = i
			currentRows = 0
			currentSize = baseOverhead
		}
		currentSize += rowSize
		currentRows++
	}
	if currentRows > 0 || len(chunks) == 0 {
		chunks = append(chunks, buildChunk(rowStart, rowCount))
	}
	return chunks, true
}

func isJSONArray(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) > 0 && t[0] == '['
}

// joinJSONChunks reassembles chunks produced by splitPayload: array chunks
// concatenate elements in order; object chunks with split list fields
// concatenate each list field's elements in order and keep the shared
// non-list fields as-is.
func joinJSONChunks(chunks []json.RawMessage) json.RawMessage {
	if len(chunks) == 1 {
		return chunks[0]
	}

	first := bytes.TrimSpace(chunks[0])
	switch {
	case len(first) > 0 && first[0] == '[':
		var all []json.RawMessage
		for _, c := range chunks {
			var elems []json.RawMessage
			if err := json.Unmarshal(c, &elems); err != nil {
				return chunks[0]
			}
			all = append(all, elems...)
		}
		return marshalArray(all)
	case len(first) > 0 && first[0] == '{':
		return joinObjectChunks(chunks)
	default:
		return chunks[0]
	}
}

func joinObjectChunks(chunks []json.RawMessage) json.RawMessage {
	merged := make(map[string]json.RawMessage)
	listValues := make(map[string][]json.RawMessage)

	for _, c := range chunks {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(c, &obj); err != nil {
			return chunks[0]
		}
		for k, v := range obj {
			if isJSONArray(v) {
				var elems []json.RawMessage
				if err := json.Unmarshal(v, &elems); err == nil {
					listValues[k] = append(listValues[k], elems...)
					continue
				}
			}
			merged[k] = v
		}
	}
	for k, elems := range listValues {
		merged[k] = marshalArray(elems)
	}

	b, err := json.Marshal(merged)
	if err != nil {
		return chunks[0]
	}
	return json.RawMessage(b)
}

func marshalArray(elems []json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, e := range elems {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(e)
	}
	buf.WriteByte(']')
	return json.RawMessage(buf.Bytes())
}
