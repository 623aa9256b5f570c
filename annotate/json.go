package annotate

import (
	"encoding/json"
	"fmt"
)

// envelope tags a serialized annotation with its kind so the closed set
// survives a round trip through JSON.
type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeList serializes an annotation list for the API.
func EncodeList(list []Annotation) ([]byte, error) {
	envs := make([]envelope, 0, len(list))
	for _, a := range list {
		var kind string
		switch a.(type) {
		case Highlight:
			kind = "highlight"
		case PenStroke:
			kind = "pen"
		case TextNote:
			kind = "text"
		case Redaction:
			kind = "redaction"
		case Signature:
			kind = "signature"
		default:
			return nil, fmt.Errorf("unknown annotation type %T", a)
		}
		data, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		envs = append(envs, envelope{Kind: kind, Data: data})
	}
	return json.Marshal(envs)
}

// DecodeList parses a serialized annotation list.
func DecodeList(raw []byte) ([]Annotation, error) {
	var envs []envelope
	if err := json.Unmarshal(raw, &envs); err != nil {
		return nil, err
	}
	list := make([]Annotation, 0, len(envs))
	for _, env := range envs {
		var (
			a   Annotation
			err error
		)
		switch env.Kind {
		case "highlight":
			var h Highlight
			err = json.Unmarshal(env.Data, &h)
			a = h
		case "pen":
			var p PenStroke
			err = json.Unmarshal(env.Data, &p)
			a = p
		case "text":
			var n TextNote
			err = json.Unmarshal(env.Data, &n)
			a = n
		case "redaction":
			var r Redaction
			err = json.Unmarshal(env.Data, &r)
			a = r
		case "signature":
			var sig Signature
			err = json.Unmarshal(env.Data, &sig)
			a = sig
		default:
			return nil, fmt.Errorf("unknown annotation kind %q", env.Kind)
		}
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, nil
}
