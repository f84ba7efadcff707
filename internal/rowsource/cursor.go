package rowsource

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"enrichd/internal/domain"
)

// blobTag marks a binary key value inside a cursor so it decodes back to
// []byte. SQLite orders TEXT before BLOB, so a blob key resumed as a string
// would match every blob again.
const blobTag = "b64"

// EncodeCursor renders the key values of the last row of a page as an opaque
// token.
func EncodeCursor(values []any) (string, error) {
	for i, v := range values {
		switch x := v.(type) {
		case []byte:
			values[i] = map[string]string{blobTag: base64.StdEncoding.EncodeToString(x)}
		case time.Time:
			values[i] = x.UTC().Format(time.RFC3339Nano)
		}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeCursor parses a token produced by EncodeCursor. want is the number
// of key columns the cursor must carry.
func DecodeCursor(token string, want int) ([]any, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, domain.ErrValidation("invalid cursor: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var values []any
	if err := dec.Decode(&values); err != nil {
		return nil, domain.ErrValidation("invalid cursor: %v", err)
	}
	if len(values) != want {
		return nil, domain.ErrValidation("invalid cursor: expected %d key values, got %d", want, len(values))
	}
	for i, v := range values {
		switch x := v.(type) {
		case json.Number:
			if iv, err := x.Int64(); err == nil {
				values[i] = iv
			} else {
				f, _ := x.Float64()
				values[i] = f
			}
		case map[string]any:
			enc, ok := x[blobTag].(string)
			if !ok || len(x) != 1 {
				return nil, domain.ErrValidation("invalid cursor: unexpected key value %v", x)
			}
			b, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return nil, domain.ErrValidation("invalid cursor: %v", err)
			}
			values[i] = b
		}
	}
	return values, nil
}
