package protocol

import (
	"fmt"
	"math"

	"github.com/cristalhq/base64"
	json "github.com/goccy/go-json"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
)

// document is a parsed JSON object with typed, strict accessors. Every
// accessor failure carries INVALID_PARAMETERS_ERR.
type document map[string]any

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errcode.InvalidParametersErr)
}

func parseDocument(data string) (document, error) {
	var doc document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, invalid("parse document: %v", err)
	}
	if doc == nil {
		return nil, invalid("document is not an object")
	}
	return doc, nil
}

func (d document) number(key string) (float64, bool, error) {
	v, ok := d[key]
	if !ok {
		return 0, false, nil
	}
	f, isNum := v.(float64)
	if !isNum {
		return 0, true, invalid("%s is not a number", key)
	}
	return f, true, nil
}

// integer reads a required integer field
func (d document) integer(key string) (int32, error) {
	f, ok, err := d.number(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, invalid("%s is missing", key)
	}
	return toInt32(key, f)
}

// optInteger reads an optional integer field
func (d document) optInteger(key string) (int32, error) {
	f, ok, err := d.number(key)
	if err != nil || !ok {
		return 0, err
	}
	return toInt32(key, f)
}

func toInt32(key string, f float64) (int32, error) {
	if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, invalid("%s value %v is not an int32", key, f)
	}
	return int32(f), nil
}

// text reads a required string field
func (d document) text(key string) (string, error) {
	v, ok := d[key]
	if !ok {
		return "", invalid("%s is missing", key)
	}
	s, isStr := v.(string)
	if !isStr {
		return "", invalid("%s is not a string", key)
	}
	return s, nil
}

// optText reads an optional string field. A value of another type reads
// as empty.
func (d document) optText(key string) string {
	s, _ := d[key].(string)
	return s
}

// textList reads an optional array whose elements must all be strings
func (d document) textList(key string) ([]string, error) {
	v, ok := d[key]
	if !ok || v == nil {
		return nil, nil
	}
	items, isArr := v.([]any)
	if !isArr {
		return nil, invalid("%s is not an array", key)
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, isStr := item.(string)
		if !isStr {
			return nil, invalid("%s[%d] is not a string", key, i)
		}
		out = append(out, s)
	}
	return out, nil
}

// nested reads a required string field holding a JSON object
func (d document) nested(key string) (document, error) {
	s, err := d.text(key)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocument(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return doc, nil
}

// blob reads a required base64 string field holding a parcel
func (d document) blob(key string) (*ipc.Parcel, error) {
	s, err := d.text(key)
	if err != nil {
		return nil, err
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, invalid("%s is not base64: %v", key, err)
	}
	return ipc.NewParcelFromBytes(b), nil
}

// encodeBlob flattens a parcel into its base64 text form
func encodeBlob(p *ipc.Parcel) string {
	return base64.StdEncoding.EncodeToString(p.Bytes())
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", invalid("build document: %v", err)
	}
	return string(b), nil
}
