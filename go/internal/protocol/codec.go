package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrMalformedMessage is returned for frames that are not valid JSON, carry an
// unknown type tag or fail field validation.
var ErrMalformedMessage = errors.New("malformed message")

var validate = validator.New(validator.WithRequiredStructEnabled())

type envelope struct {
	Type string `json:"type"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// marshalTagged encodes v as a JSON object with an added "type" field.
func marshalTagged(tag string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", tag, err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s: %w", tag, err)
	}

	typ, err := json.Marshal(tag)
	if err != nil {
		return nil, err
	}
	fields["type"] = typ

	return json.Marshal(fields)
}

// readTag extracts the "type" discriminator from a JSON object.
func readTag(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", malformed("invalid json: %v", err)
	}
	if env.Type == "" {
		return "", malformed("missing type")
	}
	return env.Type, nil
}

// decodeInto unmarshals data into dst and runs struct validation.
func decodeInto(tag string, data []byte, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return malformed("%s: %v", tag, err)
	}
	if err := validate.Struct(dst); err != nil {
		return malformed("%s: %v", tag, err)
	}
	return nil
}
